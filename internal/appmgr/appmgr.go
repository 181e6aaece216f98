// Package appmgr implements the ApplicationManager lifecycle state
// machine (spec.md §4.1): it sequences beam/scan configuration,
// scanning and teardown, gates access to every other subsystem, and
// supervises the scan goroutine that drives the segment loop.
package appmgr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ska-telescope/pst-stat-go/internal/compute"
	"github.com/ska-telescope/pst-stat-go/internal/header"
	"github.com/ska-telescope/pst-stat-go/internal/processor"
	"github.com/ska-telescope/pst-stat-go/internal/segment"
	"github.com/ska-telescope/pst-stat-go/internal/statcfg"
	"github.com/ska-telescope/pst-stat-go/internal/storage"
)

// State is one node of the table-driven state machine (spec.md §4.1).
type State int

const (
	Idle State = iota
	BeamConfigured
	ScanConfigured
	Scanning
	RuntimeError
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case BeamConfigured:
		return "BeamConfigured"
	case ScanConfigured:
		return "ScanConfigured"
	case Scanning:
		return "Scanning"
	case RuntimeError:
		return "RuntimeError"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FieldIssue names one malformed or missing header field surfaced during
// validation.
type FieldIssue struct {
	Field  string
	Reason string
}

// ValidationError collects every FieldIssue found by a validator
// (spec.md §7 ValidationError([field_issues])).
type ValidationError struct {
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("appmgr: validation failed: %d issue(s), first: %s: %s", len(e.Issues), e.Issues[0].Field, e.Issues[0].Reason)
}

// InvalidTransitionError reports a command issued from a state that does
// not permit it (spec.md §7 InvalidTransition(from, command)).
type InvalidTransitionError struct {
	From    State
	Command string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("appmgr: command %q is invalid from state %s", e.Command, e.From)
}

// FaultHandler is the single hook invoked on entry to RuntimeError
// (spec.md §4.1 "a single registered fault handler ... may be invoked").
type FaultHandler func(cause error)

// ProducerFactory constructs the segment.Producer for a beam, given the
// merged beam configuration header. Injected so tests can supply
// membuf.Producer in place of the real udpring transport.
type ProducerFactory func(beamHeader *header.Header) (segment.Producer, error)

// PublisherFactory constructs the publishers registered with the
// Processor for one scan, given the derived stream config and the scan
// header.
type PublisherFactory func(cfg *statcfg.StreamConfig, scanHeader *header.Header) ([]processor.Publisher, error)

// Options configures a Manager at construction.
type Options struct {
	NewProducer    ProducerFactory
	NewPublishers  PublisherFactory
	ConnectTimeout time.Duration // default 5s
	Nrebin         int           // default, overridden by STAT_NREBIN
}

// Manager is the table-driven ApplicationManager (spec.md §4.1). All
// transitions are serialised under one mutex; the scan goroutine runs
// outside that lock so stop_scan can signal it without deadlocking.
type Manager struct {
	mu    sync.Mutex
	state State
	cause error

	beamHeader *header.Header
	scanHeader *header.Header

	producer segment.Producer
	cfg      *statcfg.StreamConfig
	store    *storage.Storage
	computer *compute.Computer
	proc     *processor.Processor

	reqTimeBins int
	reqFreqBins int
	nrebin      int

	scanCancel context.CancelFunc
	scanWG     sync.WaitGroup

	lastValidation []FieldIssue

	faultHandler FaultHandler
	newProducer  ProducerFactory
	newPubs      PublisherFactory
	connTimeout  time.Duration
}

// New constructs a Manager in the Idle state.
func New(opts Options) *Manager {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.Nrebin == 0 {
		opts.Nrebin = 256
	}
	return &Manager{
		state:       Idle,
		newProducer: opts.NewProducer,
		newPubs:     opts.NewPublishers,
		connTimeout: opts.ConnectTimeout,
		nrebin:      opts.Nrebin,
	}
}

// SetFaultHandler registers the single fault handler invoked on entry to
// RuntimeError (spec.md §4.1), typically the LMC bridge.
func (m *Manager) SetFaultHandler(h FaultHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultHandler = h
}

// State returns the current state under lock.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Cause returns the error that promoted the manager to RuntimeError, if
// any.
func (m *Manager) Cause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// LastValidationErrors returns the field issues of the most recently run
// validation (dry-run or real), regardless of outcome.
func (m *Manager) LastValidationErrors() []FieldIssue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FieldIssue, len(m.lastValidation))
	copy(out, m.lastValidation)
	return out
}

// --- validators (free functions, spec.md §9 "validation callbacks are
// free functions") ---

func requireKeys(h *header.Header, keys ...string) []FieldIssue {
	var issues []FieldIssue
	for _, k := range keys {
		if !h.Has(k) {
			issues = append(issues, FieldIssue{Field: k, Reason: "missing"})
		}
	}
	return issues
}

func validateConfigureBeam(h *header.Header) []FieldIssue {
	issues := requireKeys(h, "DATA_KEY", "WEIGHTS_KEY")
	for _, k := range []string{"DATA_KEY", "WEIGHTS_KEY"} {
		if v, err := h.GetVal(k); err == nil && !isValidKeyToken(v) {
			issues = append(issues, FieldIssue{Field: k, Reason: fmt.Sprintf("malformed value %q", v)})
		}
	}
	return issues
}

// isValidKeyToken mirrors the upstream ring-buffer key syntax: hex or
// alphanumeric tokens only, no shell metacharacters.
func isValidKeyToken(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

func validateConfigureScan(h *header.Header) []FieldIssue {
	issues := requireKeys(h, "EB_ID", "STAT_PROC_DELAY_MS", "STAT_REQ_TIME_BINS", "STAT_REQ_FREQ_BINS", "STAT_NREBIN")
	for _, k := range []string{"STAT_PROC_DELAY_MS", "STAT_REQ_TIME_BINS", "STAT_REQ_FREQ_BINS", "STAT_NREBIN"} {
		if !h.Has(k) {
			continue
		}
		if _, err := h.GetUint32(k); err != nil {
			issues = append(issues, FieldIssue{Field: k, Reason: err.Error()})
		}
	}
	return issues
}

func validateStartScan(h *header.Header) []FieldIssue {
	return requireKeys(h, "SCAN_ID")
}

func validateAgainst(h *header.Header, validator func(*header.Header) []FieldIssue) ([]FieldIssue, error) {
	issues := validator(h)
	if len(issues) > 0 {
		return issues, &ValidationError{Issues: issues}
	}
	return issues, nil
}

// ValidateConfigureBeam runs the configure_beam validator without
// transitioning state (the RPC layer's dry-run form).
func (m *Manager) ValidateConfigureBeam(h *header.Header) error {
	issues, err := validateAgainst(h, validateConfigureBeam)
	m.mu.Lock()
	m.lastValidation = issues
	m.mu.Unlock()
	return err
}

// ValidateConfigureScan is the dry-run form of ConfigureScan.
func (m *Manager) ValidateConfigureScan(h *header.Header) error {
	issues, err := validateAgainst(h, validateConfigureScan)
	m.mu.Lock()
	m.lastValidation = issues
	m.mu.Unlock()
	return err
}

// ValidateStartScan is the dry-run form of StartScan.
func (m *Manager) ValidateStartScan(h *header.Header) error {
	issues, err := validateAgainst(h, validateStartScan)
	m.mu.Lock()
	m.lastValidation = issues
	m.mu.Unlock()
	return err
}

// promoteToFault moves the manager to RuntimeError, captures cause and
// invokes the registered fault handler. Caller must hold m.mu.
func (m *Manager) promoteToFault(cause error) {
	m.state = RuntimeError
	m.cause = cause
	handler := m.faultHandler
	if handler != nil {
		go handler(cause)
	}
}

// ConfigureBeam validates H_beam, attaches the segment producer and
// transitions Idle -> BeamConfigured (spec.md §4.1).
func (m *Manager) ConfigureBeam(ctx context.Context, beamHeader *header.Header) error {
	issues, verr := validateAgainst(beamHeader, validateConfigureBeam)

	m.mu.Lock()
	m.lastValidation = issues
	if m.state != Idle {
		from := m.state
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, Command: "configure_beam"}
	}
	if verr != nil {
		m.promoteToFault(verr)
		m.mu.Unlock()
		return verr
	}
	m.mu.Unlock()

	prod, err := m.newProducer(beamHeader)
	if err != nil {
		m.mu.Lock()
		m.promoteToFault(err)
		m.mu.Unlock()
		return err
	}
	if err := prod.Connect(ctx, m.connTimeout); err != nil {
		m.mu.Lock()
		m.promoteToFault(err)
		m.mu.Unlock()
		return err
	}
	if err := prod.Open(); err != nil {
		m.mu.Lock()
		m.promoteToFault(err)
		m.mu.Unlock()
		return err
	}

	merged := header.New()
	for _, k := range beamHeader.Keys() {
		v, _ := beamHeader.GetVal(k)
		merged.Set(k, v)
	}
	merged.AppendHeader(prod.DataHeader())
	merged.AppendHeader(prod.WeightsHeader())

	m.mu.Lock()
	m.producer = prod
	m.beamHeader = merged
	m.state = BeamConfigured
	m.mu.Unlock()
	return nil
}

// DeconfigureBeam closes the producer and transitions BeamConfigured -> Idle.
func (m *Manager) DeconfigureBeam() error {
	m.mu.Lock()
	if m.state != BeamConfigured {
		from := m.state
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, Command: "deconfigure_beam"}
	}
	prod := m.producer
	m.mu.Unlock()

	if prod != nil {
		if err := prod.Close(); err != nil {
			log.Printf("appmgr: deconfigure_beam: close producer: %v", err)
		}
		if err := prod.Disconnect(); err != nil {
			log.Printf("appmgr: deconfigure_beam: disconnect producer: %v", err)
		}
	}

	m.mu.Lock()
	m.producer = nil
	m.beamHeader = nil
	m.state = Idle
	m.mu.Unlock()
	return nil
}

// GetBeamConfiguration returns the merged beam configuration header.
func (m *Manager) GetBeamConfiguration() (*header.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Idle || m.state == RuntimeError {
		return nil, &InvalidTransitionError{From: m.state, Command: "get_beam_configuration"}
	}
	return m.beamHeader, nil
}

// ConfigureScan validates H_scan, derives the StreamConfig, constructs
// Storage/Computer/Processor and the requested publishers, and
// transitions BeamConfigured -> ScanConfigured.
func (m *Manager) ConfigureScan(scanHeader *header.Header) error {
	issues, verr := validateAgainst(scanHeader, validateConfigureScan)

	m.mu.Lock()
	m.lastValidation = issues
	if m.state != BeamConfigured {
		from := m.state
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, Command: "configure_scan"}
	}
	if verr != nil {
		m.promoteToFault(verr)
		m.mu.Unlock()
		return verr
	}
	producer := m.producer
	beamHeader := m.beamHeader
	m.mu.Unlock()

	cfg, err := statcfg.DeriveFromHeaders(producer.DataHeader(), producer.WeightsHeader())
	if err != nil {
		m.mu.Lock()
		m.promoteToFault(err)
		m.mu.Unlock()
		return err
	}

	nrebin := m.nrebin
	if v, err := scanHeader.GetUint32("STAT_NREBIN"); err == nil && v > 0 {
		nrebin = int(v)
	}
	reqTimeBins, _ := scanHeader.GetUint32("STAT_REQ_TIME_BINS")
	reqFreqBins, _ := scanHeader.GetUint32("STAT_REQ_FREQ_BINS")

	channelFreqs := make([]float64, cfg.Nchan)
	for c := 0; c < cfg.Nchan; c++ {
		channelFreqs[c] = cfg.ChannelCentreFrequency(c)
	}
	store := storage.New(cfg.Nchan, cfg.Nbit, nrebin, channelFreqs, cfg.RFIMaskLUT())
	computer := compute.New()

	proc := processor.New(cfg, store, computer, int(reqTimeBins), int(reqFreqBins))

	if m.newPubs != nil {
		pubs, err := m.newPubs(cfg, scanHeader)
		if err != nil {
			m.mu.Lock()
			m.promoteToFault(err)
			m.mu.Unlock()
			return err
		}
		for _, p := range pubs {
			proc.Register(p)
		}
	}

	mergedScan := header.New()
	if beamHeader != nil {
		for _, k := range beamHeader.Keys() {
			v, _ := beamHeader.GetVal(k)
			mergedScan.Set(k, v)
		}
	}
	mergedScan.AppendHeader(scanHeader)

	m.mu.Lock()
	m.cfg = cfg
	m.store = store
	m.computer = computer
	m.proc = proc
	m.scanHeader = mergedScan
	m.reqTimeBins = int(reqTimeBins)
	m.reqFreqBins = int(reqFreqBins)
	m.nrebin = nrebin
	m.state = ScanConfigured
	m.mu.Unlock()
	return nil
}

// DeconfigureScan tears down the Processor and transitions
// ScanConfigured -> BeamConfigured.
func (m *Manager) DeconfigureScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ScanConfigured {
		return &InvalidTransitionError{From: m.state, Command: "deconfigure_scan"}
	}
	m.proc = nil
	m.computer = nil
	m.store = nil
	m.cfg = nil
	m.scanHeader = nil
	m.state = BeamConfigured
	return nil
}

// GetScanConfiguration returns the merged scan configuration header.
func (m *Manager) GetScanConfiguration() (*header.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ScanConfigured && m.state != Scanning {
		return nil, &InvalidTransitionError{From: m.state, Command: "get_scan_configuration"}
	}
	return m.scanHeader, nil
}

// StartScan validates H_start, opens the segment stream and spawns the
// scan goroutine, transitioning ScanConfigured -> Scanning.
func (m *Manager) StartScan(startHeader *header.Header) error {
	issues, verr := validateAgainst(startHeader, validateStartScan)

	m.mu.Lock()
	m.lastValidation = issues
	if m.state != ScanConfigured {
		from := m.state
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, Command: "start_scan"}
	}
	if verr != nil {
		m.promoteToFault(verr)
		m.mu.Unlock()
		return verr
	}
	producer := m.producer
	proc := m.proc
	m.mu.Unlock()

	scanCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.scanCancel = cancel
	m.state = Scanning
	m.mu.Unlock()

	m.scanWG.Add(1)
	go m.runScan(scanCtx, producer, proc)
	return nil
}

// runScan is the scan thread (spec.md §5): it pulls segments from
// producer in order and hands each to proc until the context is
// cancelled or the stream ends.
func (m *Manager) runScan(ctx context.Context, producer segment.Producer, proc *processor.Processor) {
	defer m.scanWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		seg, err := producer.NextSegment(ctx)
		if err == segment.ErrEndOfData {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			m.promoteToFault(err)
			m.mu.Unlock()
			return
		}

		if _, _, err := proc.Process(&seg); err != nil {
			m.mu.Lock()
			m.promoteToFault(err)
			m.mu.Unlock()
			return
		}
	}
}

// StopScan signals the scan thread to terminate, interrupts any
// in-flight compute, joins the thread, and transitions
// Scanning -> ScanConfigured (spec.md §5 "Cancellation").
func (m *Manager) StopScan() error {
	m.mu.Lock()
	if m.state != Scanning {
		from := m.state
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, Command: "stop_scan"}
	}
	cancel := m.scanCancel
	proc := m.proc
	m.mu.Unlock()

	if proc != nil {
		proc.Interrupt()
	}
	if cancel != nil {
		cancel()
	}
	m.scanWG.Wait()

	m.mu.Lock()
	m.scanCancel = nil
	m.state = ScanConfigured
	m.mu.Unlock()
	return nil
}

// Reset clears the captured fault cause and transitions
// RuntimeError -> Idle.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != RuntimeError {
		return &InvalidTransitionError{From: m.state, Command: "reset"}
	}
	m.cause = nil
	m.producer = nil
	m.beamHeader = nil
	m.scanHeader = nil
	m.proc = nil
	m.computer = nil
	m.store = nil
	m.cfg = nil
	m.state = Idle
	return nil
}

// GoToFault forces an immediate transition to RuntimeError from any
// state, for the RPC surface's go_to_fault / abort commands (spec.md §6).
func (m *Manager) GoToFault(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promoteToFault(cause)
}

// Abort is go_to_fault under the RPC name the spec uses for an
// operator-initiated emergency stop.
func (m *Manager) Abort() {
	m.GoToFault(fmt.Errorf("appmgr: aborted by operator"))
}

