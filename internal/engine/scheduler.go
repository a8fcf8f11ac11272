package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/nibblenet"
)

// run is the scheduler loop: tick, then sleep TickInterval, until stop
// closes.
func (p *Processor) run(stop <-chan struct{}) {
	p.log.Debug("scheduler started")
	defer p.log.Debug("scheduler stopped")

	timer := time.NewTimer(p.cfg.TickInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}

		p.tick()

		timer.Reset(p.cfg.TickInterval)
		select {
		case <-stop:
			return
		case <-timer.C:
		}
	}
}

// tick services every owned connection once and drops the ones that are
// no longer connected.
func (p *Processor) tick() {
	p.mu.Lock()
	conns := p.slots.snapshot()
	p.mu.Unlock()

	var gone []*Connection
	for _, c := range conns {
		if !p.service(c) {
			gone = append(gone, c)
		}
	}
	if len(gone) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range gone {
		if p.slots.remove(c) {
			p.log.Debug("dropped disconnected connection", zap.String("conn_id", c.id))
		}
	}
	p.stopIfIdleLocked()
}

// service runs one tick for c under its connection lock and reports whether
// c should stay. Any error is reported to c's handler and disconnects c
// alone.
func (p *Processor) service(c *Connection) (keep bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p.mu.Lock()
	owned := p.slots.has(c)
	p.mu.Unlock()
	if !owned {
		// Moved or removed since the snapshot.
		return true
	}
	if !c.IsConnected() {
		return false
	}

	if err := p.step(c); err != nil {
		p.log.Debug("connection failed", zap.String("conn_id", c.id), zap.Error(err))
		c.fail(err)
	}
	return c.IsConnected()
}

// step dispatches at most one frame, then runs heartbeat maintenance.
// Handler panics are turned into errors.
func (p *Processor) step(c *Connection) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", nibblenet.ErrHandlerPanic, r)
		}
	}()

	if err := p.dispatch(c); err != nil {
		return err
	}
	if !c.IsConnected() {
		return nil
	}
	return c.maintain()
}

func (p *Processor) dispatch(c *Connection) error {
	in, err := c.reader()
	if err != nil {
		return err
	}
	if !in.HasInput() {
		return in.Err()
	}

	id, err := in.Read8()
	if err != nil {
		return err
	}
	if !c.allowFrame() {
		return fmt.Errorf("%w: connection %s", nibblenet.ErrRateLimited, c.id)
	}
	h, err := p.handlers.Lookup(int(id))
	if err != nil {
		return err
	}
	if err := h.HandleInput(c, in); err != nil {
		return fmt.Errorf("protocol %d: %w", id, err)
	}
	return nil
}
