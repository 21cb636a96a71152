package runtime

import (
	"strings"

	"github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/internal/runtime/engine"
	"github.com/drblury/recordflow/transport"
)

// Processor modes.
const (
	ModeSingle = "single"
	ModeBatch  = "batch"
)

// processor is one registered pipeline: a topic, a strategy and the engine
// driving it. It is started once and closed once.
type processor struct {
	name   string
	topic  string
	batch  bool
	cfg    config.ProcessorConfig
	client transport.Client
	engine *engine.Engine

	stats    *ProcessorStats
	reporter engine.Reporter
}

func (p *processor) mode() string {
	if p.batch {
		return ModeBatch
	}
	return ModeSingle
}

func (p *processor) health() ProcessorHealth {
	state := p.engine.State()
	if p.engine.Healthy() {
		return ProcessorHealth{Status: HealthUp, State: state}
	}
	reason := "processor is " + strings.ToLower(string(state))
	if err := p.engine.PollError(); err != nil && state == engine.StateRunning {
		reason = "poll failed: " + err.Error()
	}
	return ProcessorHealth{Status: HealthDown, State: state, Reason: reason}
}

func (p *processor) info() ProcessorInfo {
	return ProcessorInfo{
		Name:     p.name,
		Topic:    p.topic,
		Mode:     p.mode(),
		Config:   p.cfg,
		Stats:    p.stats,
		Snapshot: p.engine.Snapshot(),
	}
}
