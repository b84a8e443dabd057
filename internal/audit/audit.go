// Package audit records every query the pipeline answers: exactly one entry
// per query, written synchronously to an append-only JSON-lines file and to
// a bounded in-memory ring. The file is the durable trail; the ring serves
// reads and exports without touching disk on the hot path. Entries carry a
// tamper-evident hash chain (see the integrity package) that survives
// process restarts.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/karte/internal/integrity"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/telemetry"
)

const fileName = "audit.jsonl"

// Logger is the audit trail. Safe for concurrent use: the ring and the file
// are guarded separately so a slow fsync never blocks ring reads.
type Logger struct {
	privacy        model.PrivacyMode
	anonymizeAfter time.Duration
	logger         *slog.Logger

	fileMu   sync.Mutex
	file     *os.File
	lastHash string // EntryHash of the last appended line

	ringMu   sync.Mutex
	ring     []model.AuditEntry
	ringCap  int
	ringNext int // write cursor; ring is full once len(ring) == ringCap
	total    int64

	entryCounter metric.Int64Counter
}

// NewLogger opens (or creates) the append-only log file under dir.
func NewLogger(dir string, privacy model.PrivacyMode, anonymizeAfter time.Duration, ringCap int, logger *slog.Logger) (*Logger, error) {
	if !model.ValidPrivacyMode(privacy) {
		return nil, fmt.Errorf("audit: unknown privacy mode %q", privacy)
	}
	if ringCap <= 0 {
		ringCap = 10000
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	path := filepath.Join(dir, fileName)

	// Recover the chain tail so appends after a restart keep verifying.
	lastHash, err := lastEntryHash(path)
	if err != nil {
		logger.Warn("audit: could not recover hash chain, starting a new one",
			"path", path, "error", err)
		lastHash = ""
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	meter := telemetry.Meter("karte/audit")
	counter, _ := meter.Int64Counter("karte.audit.entries",
		metric.WithDescription("Audit entries written"),
	)

	return &Logger{
		privacy:        privacy,
		anonymizeAfter: anonymizeAfter,
		logger:         logger,
		file:           f,
		lastHash:       lastHash,
		ring:           make([]model.AuditEntry, 0, ringCap),
		ringCap:        ringCap,
		entryCounter:   counter,
	}, nil
}

// Record writes one entry to the file and the ring. The file write is
// synchronous: when Record returns, the entry is in the OS buffer. A file
// error is logged and returned, but the ring keeps the entry either way so
// reads stay complete for the process lifetime.
func (l *Logger) Record(entry model.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	// Chain and append under fileMu so hash order matches file order.
	l.fileMu.Lock()
	entry.PrevHash = l.lastHash
	entry.EntryHash = integrity.EntryHash(l.lastHash, entry)
	l.lastHash = entry.EntryHash
	line, merr := json.Marshal(entry)
	var werr error
	if merr == nil {
		_, werr = l.file.Write(append(line, '\n'))
	}
	l.fileMu.Unlock()

	l.ringMu.Lock()
	if len(l.ring) < l.ringCap {
		l.ring = append(l.ring, entry)
	} else {
		l.ring[l.ringNext] = entry
	}
	l.ringNext = (l.ringNext + 1) % l.ringCap
	l.total++
	l.ringMu.Unlock()

	l.entryCounter.Add(context.Background(), 1)

	if merr != nil {
		return fmt.Errorf("audit: marshal entry: %w", merr)
	}
	if werr != nil {
		l.logger.Error("audit: file append failed",
			"query_id", entry.QueryID, "error", werr)
		return fmt.Errorf("audit: append: %w", werr)
	}
	return nil
}

// lastEntryHash reads the EntryHash of the final line of an existing log
// file. A missing or empty file starts a fresh chain.
func lastEntryHash(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var last string
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("audit: scan %s: %w", path, err)
	}
	if last == "" {
		return "", nil
	}
	var e model.AuditEntry
	if err := json.Unmarshal([]byte(last), &e); err != nil {
		return "", fmt.Errorf("audit: parse last entry: %w", err)
	}
	return e.EntryHash, nil
}

// Entries returns ring entries matching the filter, oldest first, with the
// configured privacy mode applied. Offset and limit page the filtered set.
func (l *Logger) Entries(filter model.AuditFilter) []model.AuditEntry {
	now := time.Now().UTC()

	l.ringMu.Lock()
	snapshot := l.orderedLocked()
	l.ringMu.Unlock()

	matched := make([]model.AuditEntry, 0, len(snapshot))
	for _, e := range snapshot {
		if !matches(e, filter) {
			continue
		}
		matched = append(matched, l.applyPrivacy(e, now))
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

// Len reports how many entries the ring currently holds.
func (l *Logger) Len() int {
	l.ringMu.Lock()
	defer l.ringMu.Unlock()
	return len(l.ring)
}

// Total reports how many entries were recorded over the process lifetime,
// including ones the ring has since overwritten.
func (l *Logger) Total() int64 {
	l.ringMu.Lock()
	defer l.ringMu.Unlock()
	return l.total
}

// Sync flushes the file to stable storage.
func (l *Logger) Sync() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	return l.file.Sync()
}

// Close syncs and closes the log file. Record calls after Close fail.
func (l *Logger) Close() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("audit: final sync failed", "error", err)
	}
	return l.file.Close()
}

// orderedLocked returns ring contents oldest first. Caller holds ringMu.
func (l *Logger) orderedLocked() []model.AuditEntry {
	out := make([]model.AuditEntry, 0, len(l.ring))
	if len(l.ring) < l.ringCap {
		// Ring has not wrapped; insertion order is chronological.
		return append(out, l.ring...)
	}
	out = append(out, l.ring[l.ringNext:]...)
	out = append(out, l.ring[:l.ringNext]...)
	return out
}

func matches(e model.AuditEntry, f model.AuditFilter) bool {
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	return true
}

// applyPrivacy redacts an entry per the configured mode. FULL passes
// through. REDACTED hashes identifiers and blanks free text once the entry
// is older than the anonymization threshold. MINIMAL does both immediately
// and additionally drops the raw model exchange.
func (l *Logger) applyPrivacy(e model.AuditEntry, now time.Time) model.AuditEntry {
	switch l.privacy {
	case model.PrivacyFull:
		return e
	case model.PrivacyRedacted:
		if now.Sub(e.Timestamp) < l.anonymizeAfter {
			return e
		}
		return redact(e, false)
	default: // MINIMAL
		return redact(e, true)
	}
}

func redact(e model.AuditEntry, minimal bool) model.AuditEntry {
	e.PatientID = hashID(e.PatientID)
	e.UserID = hashID(e.UserID)
	e.SessionID = hashID(e.SessionID)
	e.QueryText = "[REDACTED]"
	e.ResponseSummary = "[REDACTED]"
	if minimal {
		e.IP = ""
		e.UserAgent = ""
		if e.LLM != nil {
			llm := *e.LLM
			llm.Prompt = "[REDACTED]"
			llm.Response = "[REDACTED]"
			e.LLM = &llm
		}
	}
	return e
}

func hashID(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}

// LoadFile reads a JSON-lines audit file back into entries, order
// preserved. Used at startup inspection and in round-trip tests; the ring
// is never rebuilt from disk.
func LoadFile(path string) ([]model.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []model.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e model.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: parse line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", path, err)
	}
	return entries, nil
}
