// Package simulator serves a subset of the logger's SCPI command set over
// TCP so the client stack can run without hardware.
package simulator

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/roman-kulish/lr-logger/internal/device"
	"github.com/roman-kulish/lr-logger/internal/scpi"
)

const (
	DefaultIdentity = "HIOKI,LR8450,230000001,V2.10"

	noDataReply = "9.99999E+99"
)

// Generator returns the value of ch at snapshot n.
type Generator func(ch device.ChannelID, n int) float64

// Sine returns a generator oscillating around base with the given amplitude.
func Sine(base, amplitude float64) Generator {
	return func(ch device.ChannelID, n int) float64 {
		return base + amplitude*math.Sin(float64(n)/10+float64(ch.Index))
	}
}

type channelState struct {
	stored    bool
	mode      string
	rng       string
	tc        string
	reference string
}

// Simulator is an in-process instrument.
type Simulator struct {
	identity  string
	slots     map[int]int
	generator Generator
	logger    *slog.Logger

	ln    net.Listener
	wg    sync.WaitGroup
	conns map[net.Conn]struct{}

	mu         sync.Mutex
	channels   map[device.ChannelID]*channelState
	values     map[device.ChannelID]float64
	failEnable map[device.ChannelID]bool
	ignoreStop int
	measuring  bool
	header     bool
	snapshot   int
	commands   []string
}

func WithIdentity(reply string) func(s *Simulator) {
	return func(s *Simulator) {
		s.identity = reply
	}
}

// WithModules sets the populated slots and their channel counts.
func WithModules(slots map[int]int) func(s *Simulator) {
	return func(s *Simulator) {
		s.slots = slots
	}
}

func WithGenerator(g Generator) func(s *Simulator) {
	return func(s *Simulator) {
		s.generator = g
	}
}

func WithLogger(logger *slog.Logger) func(s *Simulator) {
	return func(s *Simulator) {
		s.logger = logger.With(slog.String("component", "simulator"))
	}
}

func New(options ...func(s *Simulator)) *Simulator {
	s := &Simulator{
		identity:   DefaultIdentity,
		slots:      map[int]int{1: 15},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		conns:      make(map[net.Conn]struct{}),
		channels:   make(map[device.ChannelID]*channelState),
		values:     make(map[device.ChannelID]float64),
		failEnable: make(map[device.ChannelID]bool),
		header:     true,
	}

	for _, option := range options {
		option(s)
	}

	return s
}

// Start listens on addr, for example "127.0.0.1:0", and serves connections
// in the background.
func (s *Simulator) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.ln = ln
	s.logger.Info("listening", slog.String("address", ln.Addr().String()))

	s.wg.Add(1)
	go s.accept()

	return nil
}

// Addr returns the listening address.
func (s *Simulator) Addr() string {
	return s.ln.Addr().String()
}

// Close stops listening, drops open connections and waits for handlers.
func (s *Simulator) Close() error {
	if s.ln == nil {
		return nil
	}

	err := s.ln.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	return err
}

// DropConnections closes every open client connection.
func (s *Simulator) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		conn.Close()
	}
}

// FailEnable makes enabling ch silently fail.
func (s *Simulator) FailEnable(ch device.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failEnable[ch] = true
}

// IgnoreStop makes the next n :STOP commands have no effect.
func (s *Simulator) IgnoreStop(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ignoreStop = n
}

// SetValue pins the value returned for ch.
func (s *Simulator) SetValue(ch device.ChannelID, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[ch] = v
}

// Measuring reports whether acquisition is running.
func (s *Simulator) Measuring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.measuring
}

// Stored reports whether ch is enabled for storage.
func (s *Simulator) Stored(ch device.ChannelID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.channels[ch]

	return ok && st.stored
}

// Count returns how many received commands start with prefix.
func (s *Simulator) Count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, cmd := range s.commands {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}

	return n
}

// Commands returns every command received so far.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commands...)
}

func (s *Simulator) accept() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept failed", slog.String("error", err.Error()))
			}
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Simulator) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()

		conn.Close()
	}()

	r := bufio.NewReader(conn)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}

		reply := s.handle(strings.TrimSpace(line))
		if reply == nil {
			continue
		}

		if _, err = conn.Write(reply); err != nil {
			return
		}
	}
}

// handle executes one command and returns the raw reply, or nil.
func (s *Simulator) handle(cmd string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, cmd)

	head, args, _ := strings.Cut(cmd, " ")
	head = strings.ToUpper(head)

	switch head {
	case "*IDN?":
		return line(s.identity)
	case ":HEADER", ":HEAD":
		s.header = !strings.EqualFold(args, "OFF")
	case "*CLS":
	case "*ESR?", ":ERROR?":
		return line("0")
	case ":STATUS?":
		if s.measuring {
			return line("1")
		}
		return line("0")
	case ":START":
		s.measuring = true
	case ":STOP":
		if s.ignoreStop > 0 {
			s.ignoreStop--
		} else {
			s.measuring = false
		}
	case ":MEMORY:GETREAL":
		s.snapshot++
	case ":MEMORY:VREAL?":
		ch, ok := s.lookup(args)
		if !ok {
			return nil
		}

		v, ok := s.value(ch)
		if !ok {
			return line(noDataReply)
		}

		return line(fmt.Sprintf("%+.5E", v))
	case ":MEMORY:BFETCH?":
		ch, ok := s.lookup(args)
		if !ok {
			return nil
		}

		var values []float64
		if v, ok := s.value(ch); ok {
			values = append(values, s.counts(ch, v))
		}

		block, err := scpi.EncodeBlock(values, scpi.Int16)
		if err != nil {
			return nil
		}

		return append(block, scpi.Terminator...)
	case ":UNIT:STORE?":
		ch, ok := s.lookup(args)
		if !ok {
			return nil
		}

		if s.channels[ch].stored {
			return line("ON")
		}
		return line("OFF")
	case ":UNIT:STORE", ":UNIT:INMODE", ":UNIT:RANGE", ":SCALING:UNIT", ":SCALING:REFERENCE":
		s.configure(head, args)
	default:
		s.logger.Debug("unknown command", slog.String("command", cmd))
	}

	return nil
}

func (s *Simulator) configure(head, args string) {
	name, value, ok := strings.Cut(args, ",")
	if !ok {
		return
	}

	ch, ok := s.lookup(name)
	if !ok {
		return
	}

	st := s.channels[ch]

	switch head {
	case ":UNIT:STORE":
		on := strings.EqualFold(value, "ON")
		if on && s.failEnable[ch] {
			return
		}
		st.stored = on
	case ":UNIT:INMODE":
		st.mode = value
	case ":UNIT:RANGE":
		st.rng = value
	case ":SCALING:UNIT":
		st.tc = value
	case ":SCALING:REFERENCE":
		st.reference = value
	}
}

// lookup resolves a channel name that exists on a populated slot.
func (s *Simulator) lookup(name string) (device.ChannelID, bool) {
	ch, err := device.ParseChannelID(name)
	if err != nil || ch.Index > s.slots[ch.Module] {
		return device.ChannelID{}, false
	}

	if _, ok := s.channels[ch]; !ok {
		s.channels[ch] = &channelState{}
	}

	return ch, true
}

func (s *Simulator) value(ch device.ChannelID) (float64, bool) {
	if !s.measuring || s.snapshot == 0 || !s.channels[ch].stored {
		return 0, false
	}

	if v, ok := s.values[ch]; ok {
		return v, true
	}

	if s.generator != nil {
		return s.generator(ch, s.snapshot), true
	}

	return 1, true
}

// counts converts v to int16 block elements scaled to the channel range.
func (s *Simulator) counts(ch device.ChannelID, v float64) float64 {
	rng, err := strconv.ParseFloat(s.channels[ch].rng, 64)
	if err != nil || rng <= 0 {
		rng = 1
	}

	n := math.Round(v / rng * device.FullScaleCounts)

	return math.Max(math.MinInt16, math.Min(math.MaxInt16, n))
}

func line(s string) []byte {
	return []byte(s + scpi.Terminator)
}
