package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill converts Watermill metadata into record headers ordered by key.
func FromWatermill(md message.Metadata) Headers {
	return FromMap(md)
}

// ToWatermill converts record headers into Watermill metadata; later values
// win for repeated keys.
func ToWatermill(h Headers) message.Metadata {
	if len(h) == 0 {
		return message.Metadata{}
	}
	return message.Metadata(h.Map())
}
