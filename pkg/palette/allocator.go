package palette

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrPoolExhausted is returned when the palette is fully locked,
	// random generation failed every attempt, and the deterministic
	// fallback has no unused brightness values left.
	ErrPoolExhausted = errors.New("color pool exhausted and generation failed")

	// ErrAllocatorClosed is returned for operations submitted after the
	// allocator's Poll loop has shut down.
	ErrAllocatorClosed = errors.New("allocator closed")
)

const (
	generateAttempts = 1000

	vividFloor  = 0.8
	dampCeiling = 0.6

	fallbackFloor = 0.6
	fallbackStep  = 0.01

	opBacklog = 16
)

// Allocator owns the palette pool and every color currently on loan. All
// allocate and release traffic is applied by a single goroutine in strict
// submission order, so a generation retry loop that reads the full in-use
// state can never race a release. Counter mirrors are atomic and may be
// read at any time without queueing behind pending work.
type Allocator struct {
	palette    []Color
	available  []Color
	locked     map[string]Color
	procedural map[string]Color

	rng  *rand.Rand
	ops  chan operation
	done chan struct{}

	availableCount  atomic.Int64
	lockedCount     atomic.Int64
	proceduralCount atomic.Int64
}

// Stats is a point-in-time counter snapshot, safe to read while the
// allocator is busy.
type Stats struct {
	PaletteSize int
	Available   int
	Locked      int
	Procedural  int
}

type operation interface {
	apply(a *Allocator)
	abort(err error)
}

type allocateOp struct {
	preferred *Color
	reply     chan allocateReply
}

type allocateReply struct {
	color Color
	err   error
}

func (op *allocateOp) apply(a *Allocator) {
	color, err := a.allocate(op.preferred)
	op.reply <- allocateReply{color: color, err: err}
}

func (op *allocateOp) abort(err error) {
	op.reply <- allocateReply{err: err}
}

type releaseOp struct {
	color Color
	reply chan error
}

func (op *releaseOp) apply(a *Allocator) {
	a.release(op.color)
	op.reply <- nil
}

func (op *releaseOp) abort(err error) {
	op.reply <- err
}

func NewAllocator() *Allocator {
	a := &Allocator{
		palette:    Colors(),
		available:  Colors(),
		locked:     make(map[string]Color),
		procedural: make(map[string]Color),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		ops:        make(chan operation, opBacklog),
		done:       make(chan struct{}),
	}
	a.availableCount.Store(int64(len(a.available)))
	return a
}

// Poll applies queued operations until ctx is canceled. Run it in its own
// goroutine; Allocate and Release block until their request is picked up.
func (a *Allocator) Poll(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case queued := <-a.ops:
					queued.abort(ErrAllocatorClosed)
				default:
					return
				}
			}
		case queued := <-a.ops:
			queued.apply(a)
		}
	}
}

// Allocate assigns a color for a new session. A preferred color is honored
// when it is well-formed and not already on loan; otherwise the pool, then
// procedural generation, then the deterministic fallback decide. If ctx
// expires while the request is queued or running, the operation still
// completes on the allocator goroutine and its color is released again, so
// a timed-out join can never strand a color.
func (a *Allocator) Allocate(ctx context.Context, preferred *Color) (Color, error) {
	if err := ctx.Err(); err != nil {
		return Color{}, err
	}

	op := &allocateOp{
		preferred: preferred,
		reply:     make(chan allocateReply, 1),
	}

	select {
	case a.ops <- op:
	case <-a.done:
		return Color{}, ErrAllocatorClosed
	case <-ctx.Done():
		return Color{}, ctx.Err()
	}

	select {
	case reply := <-op.reply:
		return reply.color, reply.err
	case <-ctx.Done():
		go func() {
			select {
			case reply := <-op.reply:
				if reply.err == nil {
					a.Release(context.Background(), reply.color)
				}
			case <-a.done:
			}
		}()
		return Color{}, ctx.Err()
	case <-a.done:
		select {
		case reply := <-op.reply:
			return reply.color, reply.err
		default:
			return Color{}, ErrAllocatorClosed
		}
	}
}

// Release returns a color to the pool it came from: palette colors rejoin
// the available pool, generated ones leave the procedural set. Releasing a
// color that is not on loan is a no-op. ctx only bounds submission; once
// queued, the release always runs.
func (a *Allocator) Release(ctx context.Context, color Color) error {
	op := &releaseOp{
		color: color,
		reply: make(chan error, 1),
	}

	select {
	case a.ops <- op:
	case <-a.done:
		return ErrAllocatorClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.reply:
		return err
	case <-a.done:
		select {
		case err := <-op.reply:
			return err
		default:
			return ErrAllocatorClosed
		}
	}
}

func (a *Allocator) Stats() Stats {
	return Stats{
		PaletteSize: len(a.palette),
		Available:   int(a.availableCount.Load()),
		Locked:      int(a.lockedCount.Load()),
		Procedural:  int(a.proceduralCount.Load()),
	}
}

// Everything below runs only on the Poll goroutine.

func (a *Allocator) allocate(preferred *Color) (Color, error) {
	if preferred != nil {
		if color, ok := a.adopt(*preferred); ok {
			return color, nil
		}
	}
	if len(a.available) > 0 {
		return a.lockAt(a.rng.Intn(len(a.available))), nil
	}
	if color, ok := a.generate(); ok {
		return color, nil
	}
	log.Warn().Msg("color generation exhausted, using deterministic fallback")
	return a.fallback()
}

// adopt honors a client-supplied color when it is valid and not already on
// loan. A rejected color falls back to normal allocation silently.
func (a *Allocator) adopt(preferred Color) (Color, bool) {
	if !preferred.Valid() {
		log.Debug().Str("color", preferred.Key()).Msg("rejecting malformed client color")
		return Color{}, false
	}
	if a.held(preferred) {
		log.Debug().Str("color", preferred.Hex()).Msg("rejecting client color already in use")
		return Color{}, false
	}
	for index, color := range a.available {
		if color.Equals(preferred) {
			return a.lockAt(index), true
		}
	}
	a.addProcedural(preferred)
	return preferred, true
}

func (a *Allocator) held(color Color) bool {
	for _, held := range a.locked {
		if color.Equals(held) {
			return true
		}
	}
	for _, held := range a.procedural {
		if color.Equals(held) {
			return true
		}
	}
	return false
}

// lockAt moves one pool entry into the locked set and returns a copy of
// it.
func (a *Allocator) lockAt(index int) Color {
	color := a.available[index]
	a.available = append(a.available[:index], a.available[index+1:]...)
	a.locked[color.Key()] = color
	a.syncCounters()
	return color
}

func (a *Allocator) generate() (Color, bool) {
	for attempt := 0; attempt < generateAttempts; attempt++ {
		candidate := a.randomVivid()
		if a.distinct(candidate) {
			a.addProcedural(candidate)
			return candidate, true
		}
	}
	return Color{}, false
}

// randomVivid pins one channel to [vividFloor, 1] and damps the other two
// below dampCeiling so candidates keep contrast against dark and light
// palette entries alike.
func (a *Allocator) randomVivid() Color {
	var channels [3]float64
	vivid := a.rng.Intn(3)
	for i := range channels {
		if i == vivid {
			channels[i] = vividFloor + a.rng.Float64()*(1-vividFloor)
		} else {
			channels[i] = a.rng.Float64() * dampCeiling
		}
	}
	return Color{R: channels[0], G: channels[1], B: channels[2]}
}

func (a *Allocator) distinct(candidate Color) bool {
	for _, color := range a.palette {
		if candidate.DistanceTo(color) < MinDistance {
			return false
		}
	}
	for _, color := range a.locked {
		if candidate.DistanceTo(color) < MinDistance {
			return false
		}
	}
	for _, color := range a.procedural {
		if candidate.DistanceTo(color) < MinDistance {
			return false
		}
	}
	return true
}

// fallback walks brightness values down from 1.0 until it finds one no
// color on screen uses as its brightest channel, then raises a single
// channel of an otherwise dark color to that value. Exact uniqueness
// survives even when the distance guarantee cannot; the rounded search
// space is larger than any plausible session count.
func (a *Allocator) fallback() (Color, error) {
	used := make(map[string]struct{})
	mark := func(color Color) {
		used[strconv.FormatFloat(color.max(), 'f', 2, 64)] = struct{}{}
	}
	for _, color := range a.palette {
		mark(color)
	}
	for _, color := range a.locked {
		mark(color)
	}
	for _, color := range a.procedural {
		mark(color)
	}

	steps := int(math.Round((1.0 - fallbackFloor) / fallbackStep))
	for step := 0; step <= steps; step++ {
		value := 1.0 - float64(step)*fallbackStep
		if _, taken := used[strconv.FormatFloat(value, 'f', 2, 64)]; taken {
			continue
		}
		color := Color{R: 0.1, G: 0.1, B: 0.1}
		switch step % 3 {
		case 0:
			color.R = value
		case 1:
			color.G = value
		case 2:
			color.B = value
		}
		a.addProcedural(color)
		return color, nil
	}
	return Color{}, ErrPoolExhausted
}

func (a *Allocator) release(color Color) {
	for index, entry := range a.palette {
		if !entry.Equals(color) {
			continue
		}
		key := entry.Key()
		if _, held := a.locked[key]; !held {
			log.Debug().Str("color", color.Hex()).Msg("ignoring release of palette color not on loan")
			return
		}
		delete(a.locked, key)
		a.available = append(a.available, a.palette[index])
		a.syncCounters()
		return
	}

	if _, held := a.procedural[color.Key()]; held {
		delete(a.procedural, color.Key())
		a.syncCounters()
		return
	}

	// The caller may hold a copy whose channels round to a different
	// key; match by value before giving up.
	for key, held := range a.procedural {
		if held.Equals(color) {
			delete(a.procedural, key)
			a.syncCounters()
			return
		}
	}

	log.Debug().Str("color", color.Hex()).Msg("ignoring release of unknown color")
}

func (a *Allocator) addProcedural(color Color) {
	a.procedural[color.Key()] = color
	a.syncCounters()
}

func (a *Allocator) syncCounters() {
	a.availableCount.Store(int64(len(a.available)))
	a.lockedCount.Store(int64(len(a.locked)))
	a.proceduralCount.Store(int64(len(a.procedural)))
}
