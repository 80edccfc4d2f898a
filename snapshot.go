package botstate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"sort"
	"strings"
	"time"
)

// Blob names inside a snapshot revision. The snapshot is a flat namespace of
// named files replaced wholesale on every commit.
const (
	BlobLedger    = "ledger.jsonl"
	BlobIntents   = "intents.jsonl"
	BlobCursor    = "intent_cursor.json"
	BlobPositions = "positions.json"
	BlobManifest  = "manifest.json"

	diagnosticsPrefix = "diagnostics/"
	lockBlob          = "locks/trader.lock.json"
)

// DefaultRetention is how many per-run diagnostic files a snapshot keeps
// before the oldest are pruned.
const DefaultRetention = 20

// Store is the versioned blob store a snapshot lives in. Each commit
// replaces the full set of blobs and produces a new revision whose parent is
// the revision it was committed against; Commit fails with ErrConflict when
// baseRev is no longer the head, which is how two bot instances discover
// each other.
//
// [DirStore] is the filesystem implementation; a git branch or an object
// store with a CAS head pointer satisfy the same contract.
type Store interface {
	// Head returns the current head revision id, empty on a virgin store.
	Head() (string, error)
	// Fetch returns the head revision and all its blobs. On a virgin
	// store it returns an empty revision and an empty blob map.
	Fetch() (rev string, blobs map[string][]byte, err error)
	// Commit writes blobs as a new revision on top of baseRev and
	// returns the new revision id. It fails with ErrConflict when
	// baseRev is not the current head.
	Commit(baseRev string, blobs map[string][]byte, message string) (string, error)
}

// Bundle is the full working state restored from, and persisted to, a
// snapshot: one of each persistent component plus the diagnostics gathered
// during the current run.
type Bundle struct {
	Ledger    *Ledger
	Positions *PositionStore
	Intents   *IntentLog

	// Diagnostic is this run's diagnostic record, persisted alongside
	// the state on the next commit.
	Diagnostic *Diagnostic
}

// NewBundle creates an empty bundle, the state of a bot that has never run.
func NewBundle() *Bundle {
	return &Bundle{
		Ledger:    NewLedger(),
		Positions: NewPositionStore(),
		Intents:   NewIntentLog(),
	}
}

// Diagnostic is the per-run record kept under diagnostics/ in the snapshot,
// the forensic trail an unattended bot leaves behind.
type Diagnostic struct {
	RunID    string
	TS       time.Time
	Outcome  string // "ok", "degraded" or "failed"
	Warnings []string
	Counts   map[string]int
}

// MarshalJSON implements the json.Marshaler interface for Diagnostic.
func (d Diagnostic) MarshalJSON() ([]byte, error) {
	var w jsonObjectWriter
	w.Append("run_id", d.RunID)
	w.Append("ts", d.TS.Format(TimestampFormat))
	w.Append("outcome", d.Outcome)
	w.Optional("warnings", d.Warnings)
	w.Optional("counts", d.Counts)
	return w.MarshalJSON()
}

// UnmarshalJSON implements the json.Unmarshaler interface for Diagnostic.
func (d *Diagnostic) UnmarshalJSON(data []byte) error {
	var temp struct {
		RunID    string         `json:"run_id"`
		TS       string         `json:"ts"`
		Outcome  string         `json:"outcome"`
		Warnings []string       `json:"warnings"`
		Counts   map[string]int `json:"counts"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	ts, err := time.Parse(TimestampFormat, temp.TS)
	if err != nil {
		return fmt.Errorf("invalid diagnostic ts %q: %w", temp.TS, err)
	}
	*d = Diagnostic{RunID: temp.RunID, TS: ts, Outcome: temp.Outcome, Warnings: temp.Warnings, Counts: temp.Counts}
	return nil
}

// FileInfo names one blob of a snapshot revision and its size.
type FileInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Manifest is the snapshot's self-description, rewritten on every commit. It
// answers "what is in here and where did it come from" without decoding the
// other blobs.
type Manifest struct {
	SchemaVersion int
	UpdatedAt     time.Time
	RunID         string
	// CommitSHA is the parent revision this state was built from, empty
	// for the first commit.
	CommitSHA     string
	Files         []FileInfo
	Counts        map[string]int
	RecoveryStats map[string]int
}

// MarshalJSON implements the json.Marshaler interface for Manifest.
func (m Manifest) MarshalJSON() ([]byte, error) {
	var w jsonObjectWriter
	w.Append("schema_version", m.SchemaVersion)
	w.Append("updated_at", m.UpdatedAt.Format(TimestampFormat))
	w.Append("run_id", m.RunID)
	w.Append("commit_sha", m.CommitSHA)
	w.Append("files", m.Files)
	w.Append("counts", m.Counts)
	w.Optional("recovery_stats", m.RecoveryStats)
	return w.MarshalJSON()
}

// UnmarshalJSON implements the json.Unmarshaler interface for Manifest.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var temp struct {
		SchemaVersion int            `json:"schema_version"`
		UpdatedAt     string         `json:"updated_at"`
		RunID         string         `json:"run_id"`
		CommitSHA     string         `json:"commit_sha"`
		Files         []FileInfo     `json:"files"`
		Counts        map[string]int `json:"counts"`
		RecoveryStats map[string]int `json:"recovery_stats"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	ts, err := time.Parse(TimestampFormat, temp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("invalid manifest updated_at %q: %w", temp.UpdatedAt, err)
	}
	*m = Manifest{
		SchemaVersion: temp.SchemaVersion,
		UpdatedAt:     ts,
		RunID:         temp.RunID,
		CommitSHA:     temp.CommitSHA,
		Files:         temp.Files,
		Counts:        temp.Counts,
		RecoveryStats: temp.RecoveryStats,
	}
	return nil
}

// lockRecord is the advisory lock blob. A lock older than its TTL is stale
// and may be broken, so a crashed run never wedges the snapshot forever.
type lockRecord struct {
	Owner      string    `json:"owner"`
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

func (l lockRecord) expired(now time.Time) bool {
	return now.After(l.AcquiredAt.Add(time.Duration(l.TTLSeconds) * time.Second))
}

// PersistResult reports the outcome of a Persist call.
type PersistResult struct {
	Rev      string
	NoChange bool
	Manifest *Manifest
}

// Transport moves bundles between memory and a versioned Store with
// optimistic concurrency. Restore caches the revision and blobs it read;
// Persist commits against that revision and fails with ErrConflict when
// someone else advanced the snapshot in between. The caller's recovery is
// always the same: Restore again, redo, Persist again.
//
// A Transport is single goroutine state, one per run.
type Transport struct {
	Store     Store
	Retention int    // diagnostic files kept, DefaultRetention when zero
	RunID     string // stamped into the manifest and diagnostics

	baseRev   string
	baseBlobs map[string][]byte
}

// NewTransport returns a transport over store with a fresh run id.
func NewTransport(store Store) *Transport {
	return &Transport{Store: store, Retention: DefaultRetention, RunID: NewID()}
}

// Restore fetches the snapshot head and decodes it into a bundle. Missing
// blobs yield empty components, a bot bootstraps itself from a virgin store;
// on a non-virgin store each substituted blob is logged.
// A corrupt positions blob is an error: positions are the one component
// whose silent reset would trade on wrong state.
func (t *Transport) Restore() (*Bundle, error) {
	rev, blobs, err := t.Store.Fetch()
	if err != nil {
		return nil, fmt.Errorf("cannot fetch snapshot: %w", err)
	}

	if rev != "" {
		for _, name := range []string{BlobLedger, BlobPositions, BlobIntents, BlobCursor} {
			if _, ok := blobs[name]; !ok {
				log.Printf("snapshot-blob-missing name=%s rev=%s, using empty default", name, rev)
			}
		}
	}

	b := NewBundle()
	if data, ok := blobs[BlobLedger]; ok {
		if b.Ledger, err = DecodeLedger(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("cannot decode %s: %w", BlobLedger, err)
		}
	}
	if data, ok := blobs[BlobPositions]; ok {
		if b.Positions, err = DecodePositionStore(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("cannot decode %s: %w", BlobPositions, err)
		}
	}
	if data, ok := blobs[BlobIntents]; ok {
		if b.Intents, err = DecodeIntentLog(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("cannot decode %s: %w", BlobIntents, err)
		}
	}
	if data, ok := blobs[BlobCursor]; ok {
		c, err := DecodeCursor(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("cannot decode %s: %w", BlobCursor, err)
		}
		if c.Offset > b.Intents.Size() {
			log.Printf("intent-cursor-clamped offset=%d size=%d", c.Offset, b.Intents.Size())
			c = Cursor{Offset: b.Intents.Size()}
		}
		b.Intents.cursor = c
	}

	t.baseRev = rev
	t.baseBlobs = blobs
	log.Printf("snapshot-restored rev=%s blobs=%d", rev, len(blobs))
	return b, nil
}

// coreBlobs encodes the bundle's persistent components in their canonical
// byte-stable form.
func coreBlobs(b *Bundle) (map[string][]byte, error) {
	out := make(map[string][]byte, 4)

	var buf bytes.Buffer
	if err := EncodeLedger(&buf, b.Ledger); err != nil {
		return nil, fmt.Errorf("cannot encode %s: %w", BlobLedger, err)
	}
	out[BlobLedger] = slices.Clone(buf.Bytes())

	buf.Reset()
	if err := EncodePositionStore(&buf, b.Positions); err != nil {
		return nil, fmt.Errorf("cannot encode %s: %w", BlobPositions, err)
	}
	out[BlobPositions] = slices.Clone(buf.Bytes())

	buf.Reset()
	if err := EncodeIntentLog(&buf, b.Intents); err != nil {
		return nil, fmt.Errorf("cannot encode %s: %w", BlobIntents, err)
	}
	out[BlobIntents] = slices.Clone(buf.Bytes())

	buf.Reset()
	if err := EncodeCursor(&buf, b.Intents.Cursor()); err != nil {
		return nil, fmt.Errorf("cannot encode %s: %w", BlobCursor, err)
	}
	out[BlobCursor] = slices.Clone(buf.Bytes())

	return out, nil
}

// Persist commits the bundle as a new snapshot revision on top of the one
// Restore read. When every core blob is byte-identical to what was restored
// the commit is skipped entirely and NoChange is set: a quiet market day
// leaves no revision behind.
//
// Persist is all-or-nothing at the revision level. It never writes a subset
// of the core blobs.
func (t *Transport) Persist(b *Bundle, report *ReconcileReport, now time.Time) (*PersistResult, error) {
	core, err := coreBlobs(b)
	if err != nil {
		return nil, err
	}

	changed := false
	for name, data := range core {
		if !bytes.Equal(data, t.baseBlobs[name]) {
			changed = true
			break
		}
	}
	if !changed {
		log.Printf("snapshot-unchanged rev=%s", t.baseRev)
		return &PersistResult{Rev: t.baseRev, NoChange: true}, nil
	}

	// Carry every non-core blob of the base revision forward, then lay
	// the new state on top.
	blobs := make(map[string][]byte, len(t.baseBlobs)+len(core)+2)
	for name, data := range t.baseBlobs {
		blobs[name] = data
	}
	for name, data := range core {
		blobs[name] = data
	}

	if b.Diagnostic != nil {
		data, err := json.Marshal(b.Diagnostic)
		if err != nil {
			return nil, fmt.Errorf("cannot encode diagnostic: %w", err)
		}
		blobs[diagnosticsPrefix+b.Diagnostic.RunID+".json"] = append(data, '\n')
	}
	t.pruneDiagnostics(blobs)

	m := t.buildManifest(b, report, blobs, now)
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("cannot encode manifest: %w", err)
	}
	blobs[BlobManifest] = append(data, '\n')

	rev, err := t.Store.Commit(t.baseRev, blobs, fmt.Sprintf("state: run %s", t.RunID))
	if err != nil {
		return nil, err
	}
	t.baseRev = rev
	t.baseBlobs = blobs
	log.Printf("snapshot-persisted rev=%s parent=%s", rev, m.CommitSHA)
	return &PersistResult{Rev: rev, Manifest: m}, nil
}

// pruneDiagnostics drops the oldest diagnostic blobs beyond the retention
// limit. Run ids are ULIDs, so name order is creation order.
func (t *Transport) pruneDiagnostics(blobs map[string][]byte) {
	keep := t.Retention
	if keep <= 0 {
		keep = DefaultRetention
	}
	var names []string
	for name := range blobs {
		if strings.HasPrefix(name, diagnosticsPrefix) {
			names = append(names, name)
		}
	}
	if len(names) <= keep {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		delete(blobs, name)
	}
}

func (t *Transport) buildManifest(b *Bundle, report *ReconcileReport, blobs map[string][]byte, now time.Time) *Manifest {
	files := make([]FileInfo, 0, len(blobs))
	for name, data := range blobs {
		if name == BlobManifest {
			continue
		}
		files = append(files, FileInfo{Path: name, Size: int64(len(data))})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	nManual := 0
	for l := range b.Positions.Lots() {
		if l.SID.IsManual() {
			nManual++
		}
	}
	pending := 0
	for range b.Intents.Pending() {
		pending++
	}
	m := &Manifest{
		SchemaVersion: SchemaVersion,
		UpdatedAt:     now,
		RunID:         t.RunID,
		CommitSHA:     t.baseRev,
		Files:         files,
		Counts: map[string]int{
			"lots":            b.Positions.Len(),
			"manual_lots":     nManual,
			"ledger_entries":  b.Ledger.Len(),
			"intents":         b.Intents.Len(),
			"pending_intents": pending,
		},
	}
	if report != nil {
		m.RecoveryStats = report.RecoveryStats
	}
	return m
}

// Manifest decodes the manifest of the restored revision, nil when the
// snapshot has none yet.
func (t *Transport) Manifest() (*Manifest, error) {
	data, ok := t.baseBlobs[BlobManifest]
	if !ok {
		return nil, nil
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("cannot decode %s: %w", BlobManifest, err)
	}
	return &m, nil
}

// AcquireLock takes the snapshot's advisory run lock by committing a lock
// blob. A live lock held by someone else fails with ErrConflict; an expired
// one is broken with a warning. Call after Restore, the lock commit rides on
// the restored revision.
func (t *Transport) AcquireLock(owner string, ttl time.Duration, now time.Time) error {
	if data, ok := t.baseBlobs[lockBlob]; ok {
		var held lockRecord
		if err := json.Unmarshal(data, &held); err != nil {
			log.Printf("lock-unreadable err=%v, breaking", err)
		} else if !held.expired(now) && held.RunID != t.RunID {
			return fmt.Errorf("state lock held by %s (run %s) since %s: %w",
				held.Owner, held.RunID, held.AcquiredAt.Format(TimestampFormat), ErrConflict)
		} else if held.expired(now) {
			log.Printf("lock-expired owner=%s acquired_at=%s, breaking",
				held.Owner, held.AcquiredAt.Format(TimestampFormat))
		}
	}

	rec := lockRecord{Owner: owner, RunID: t.RunID, AcquiredAt: now, TTLSeconds: int64(ttl / time.Second)}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	blobs := make(map[string][]byte, len(t.baseBlobs)+1)
	for name, d := range t.baseBlobs {
		blobs[name] = d
	}
	blobs[lockBlob] = append(data, '\n')

	rev, err := t.Store.Commit(t.baseRev, blobs, fmt.Sprintf("state: lock %s", t.RunID))
	if err != nil {
		return err
	}
	t.baseRev = rev
	t.baseBlobs = blobs
	log.Printf("lock-acquired owner=%s rev=%s ttl=%s", owner, rev, ttl)
	return nil
}

// ReleaseLock drops the advisory lock. Releasing a lock this transport does
// not hold is a no-op.
func (t *Transport) ReleaseLock() error {
	data, ok := t.baseBlobs[lockBlob]
	if !ok {
		return nil
	}
	var held lockRecord
	if err := json.Unmarshal(data, &held); err == nil && held.RunID != t.RunID {
		return nil
	}

	blobs := make(map[string][]byte, len(t.baseBlobs))
	for name, d := range t.baseBlobs {
		if name == lockBlob {
			continue
		}
		blobs[name] = d
	}
	rev, err := t.Store.Commit(t.baseRev, blobs, fmt.Sprintf("state: unlock %s", t.RunID))
	if err != nil {
		return err
	}
	t.baseRev = rev
	t.baseBlobs = blobs
	log.Printf("lock-released rev=%s", rev)
	return nil
}
