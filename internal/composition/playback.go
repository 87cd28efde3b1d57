package composition

import (
	"context"
	"time"
)

// Play starts realtime playback from the cursor. A tick fires every frame
// period and seeks to the frame the wall clock has reached, skipping frames
// when updates fall behind. Playback pauses itself at the duration.
func (c *Composition) Play(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Playing:
		c.mu.Unlock()
		return nil
	case Rendering:
		c.mu.Unlock()
		return ErrBusy
	}
	start := c.frame.Frames()
	if d := c.durationLocked().Frames(); start >= d {
		start = 0
	}
	playCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.state = Playing
	c.stopPlay = cancel
	c.playDone = done
	c.mu.Unlock()

	c.logger.Debug().Int64("frame", start).Msg("playback started")
	c.events.emit(Event{Kind: EventPlay, Frame: start})
	go c.loop(playCtx, done, start)
	return nil
}

// Pause stops playback and waits for the tick loop to exit. Called from an
// event handler while the loop is seeking, it returns without waiting; the
// loop finishes that seek and then stops.
func (c *Composition) Pause() {
	done := c.stopPlayback()
	if done == nil || c.ticking.Load() {
		return
	}
	<-done
}

// stopPlayback leaves the Playing state and returns the loop's done channel,
// nil when nothing was playing
func (c *Composition) stopPlayback() <-chan struct{} {
	c.mu.Lock()
	if c.state != Playing {
		c.mu.Unlock()
		return nil
	}
	c.state = Idle
	c.stopPlay()
	done := c.playDone
	c.stopPlay, c.playDone = nil, nil
	frame := c.frame.Frames()
	c.mu.Unlock()

	c.logger.Debug().Int64("frame", frame).Msg("playback paused")
	c.events.emit(Event{Kind: EventPause, Frame: frame})
	return done
}

func (c *Composition) loop(ctx context.Context, done chan struct{}, start int64) {
	defer close(done)

	period := c.fps.FrameDuration()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	if err := c.tick(ctx, start); err != nil {
		if ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("playback seek failed")
			c.stopPlayback()
		}
		return
	}

	began := time.Now()
	last := start
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			target := start + int64(now.Sub(began).Seconds()*float64(c.fps))
			if target == last {
				continue
			}
			duration := c.Duration().Frames()
			if target > duration {
				target = duration
			}
			if err := c.tick(ctx, target); err != nil {
				if ctx.Err() == nil {
					c.logger.Error().Err(err).Int64("frame", target).Msg("playback seek failed")
					c.stopPlayback()
				}
				return
			}
			last = target
			if ctx.Err() != nil {
				return
			}
			if target >= duration {
				c.stopPlayback()
				return
			}
		}
	}
}

// tick seeks for the playback loop. Handlers of the seek's events run on the
// loop goroutine, which ticking marks for Pause.
func (c *Composition) tick(ctx context.Context, frame int64) error {
	c.seekMu.Lock()
	defer c.seekMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.ticking.Store(true)
	defer c.ticking.Store(false)
	return c.seekLocked(ctx, frame)
}

// BeginRender stops playback and enters render mode. Only one render may run
// at a time; a second caller gets ErrBusy.
func (c *Composition) BeginRender() error {
	c.mu.RLock()
	busy := c.state == Rendering
	c.mu.RUnlock()
	if busy {
		return ErrBusy
	}

	c.Pause()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return ErrBusy
	}
	c.state = Rendering
	c.logger.Debug().Msg("render mode entered")
	return nil
}

// Render advances exactly to frame, awaiting every active clip's update
// before returning
func (c *Composition) Render(ctx context.Context, frame int64) error {
	if c.State() != Rendering {
		return ErrNotRendering
	}
	return c.Seek(ctx, frame)
}

// EndRender leaves render mode. Safe to call when not rendering.
func (c *Composition) EndRender() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Rendering {
		c.state = Idle
		c.logger.Debug().Msg("render mode left")
	}
}
