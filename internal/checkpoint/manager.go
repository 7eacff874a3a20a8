// internal/checkpoint/manager.go
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lumix-ai/warp/internal/core"
	"github.com/lumix-ai/warp/internal/warp"
	"github.com/rs/zerolog/log"
)

// Variant - which snapshot of a session a checkpoint file holds
type Variant string

const (
	MaxAcc            Variant = "max_acc"
	LastEpoch         Variant = "last_epoch"
	MaxAccReplaceHead Variant = "max_acc_replace_head"
)

const (
	SectionParams = "params"
	SectionWarp   = "warp"

	metaSession = "session"
	metaVariant = "variant"
	metaEpoch   = "epoch"
	metaAcc     = "acc"
	metaSaved   = "saved_at"
)

var (
	// ErrCorrupt is returned for unreadable checkpoint files or files without a params section.
	ErrCorrupt = errors.New("corrupt checkpoint")
	// ErrNoMask is returned when a mask is requested from a checkpoint that has none.
	ErrNoMask = errors.New("checkpoint has no importance mask")
)

// FileName returns the checkpoint file name of a session variant.
func FileName(session int, v Variant) string {
	return fmt.Sprintf("session%d_%s.pth", session, v)
}

// Checkpoint - a decoded checkpoint file
type Checkpoint struct {
	Path    string
	Session int
	Variant Variant
	Epoch   int
	Acc     float64
	Params  core.ModelState
	Meta    map[string]string

	warpSection core.ModelState
}

// Mask decodes the importance mask stored alongside the parameters.
func (c *Checkpoint) Mask() (*warp.Mask, error) {
	if len(c.warpSection) == 0 {
		return nil, fmt.Errorf("%s: %w", c.Path, ErrNoMask)
	}
	return warp.Decode(c.warpSection, c.Meta)
}

// Record - what to persist besides the parameters
type Record struct {
	Session int
	Variant Variant
	Epoch   int
	Acc     float64
	Mask    *warp.Mask
}

// Manager persists ModelStates under one directory and keeps the in-memory best-so-far state.
type Manager struct {
	dir   string
	cache *lru.Cache[string, core.Snapshot]

	mu        sync.Mutex
	best      core.ModelState
	bestEpoch int
	bestAcc   float64
}

func NewManager(dir string, cacheSize int) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = 4
	}
	cache, err := lru.New[string, core.Snapshot](cacheSize)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &Manager{dir: dir, cache: cache, bestEpoch: -1}, nil
}

func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) Path(session int, v Variant) string {
	return filepath.Join(m.dir, FileName(session, v))
}

// Save writes state atomically (temp file then rename) and returns the final path.
func (m *Manager) Save(state core.ModelState, rec Record) (string, error) {
	if len(state) == 0 {
		return "", errors.New("refusing to save an empty state")
	}
	snap := buildSnapshot(state, rec)

	path := m.Path(rec.Session, rec.Variant)
	if err := writeAtomic(path, snap); err != nil {
		return "", fmt.Errorf("failed to save checkpoint %s: %w", path, err)
	}
	m.cache.Add(path, snap)
	log.Info().
		Str("path", path).
		Int("session", rec.Session).
		Str("variant", string(rec.Variant)).
		Int("params", state.NumParams()).
		Msg("Checkpoint saved")
	return path, nil
}

func buildSnapshot(state core.ModelState, rec Record) core.Snapshot {
	snap := core.Snapshot{
		Meta: map[string]string{
			metaSession: strconv.Itoa(rec.Session),
			metaVariant: string(rec.Variant),
			metaEpoch:   strconv.Itoa(rec.Epoch),
			metaAcc:     strconv.FormatFloat(rec.Acc, 'f', 3, 64),
			metaSaved:   time.Now().UTC().Format(time.RFC3339),
		},
		Sections: map[string]core.ModelState{SectionParams: state.Clone()},
	}
	if rec.Mask != nil {
		section, meta := rec.Mask.Encode()
		snap.Sections[SectionWarp] = section
		for k, v := range meta {
			snap.Meta[k] = v
		}
	}
	return snap
}

func writeAtomic(path string, snap core.Snapshot) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := core.WriteSnapshot(tmp, snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Load reads a checkpoint and verifies its params section against ref.
// A nil ref skips the compatibility check.
func (m *Manager) Load(path string, ref core.ModelState) (*Checkpoint, error) {
	snap, ok := m.cache.Get(path)
	if !ok {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint: %w", err)
		}
		defer f.Close()
		snap, err = core.ReadSnapshot(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
		m.cache.Add(path, snap)
	}
	return decode(path, snap, ref)
}

func decode(path string, snap core.Snapshot, ref core.ModelState) (*Checkpoint, error) {
	params, ok := snap.Sections[SectionParams]
	if !ok || len(params) == 0 {
		return nil, fmt.Errorf("%w: %s has no %q section", ErrCorrupt, path, SectionParams)
	}
	if ref != nil {
		if err := params.CheckCompatible(ref); err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", path, err)
		}
	}
	ck := &Checkpoint{
		Path:    path,
		Variant: Variant(snap.Meta[metaVariant]),
		Params:  params.Clone(),
		Meta:    make(map[string]string, len(snap.Meta)),
	}
	for k, v := range snap.Meta {
		ck.Meta[k] = v
	}
	ck.Session, _ = strconv.Atoi(snap.Meta[metaSession])
	ck.Epoch, _ = strconv.Atoi(snap.Meta[metaEpoch])
	ck.Acc, _ = strconv.ParseFloat(snap.Meta[metaAcc], 64)
	if w, ok := snap.Sections[SectionWarp]; ok {
		ck.warpSection = w.Clone()
	}
	return ck, nil
}

// SetBest records a clone of state as the best-so-far state of the base phase.
func (m *Manager) SetBest(state core.ModelState, epoch int, acc float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.best = state.Clone()
	m.bestEpoch = epoch
	m.bestAcc = acc
}

// Best returns a clone of the best-so-far state; ok is false before the first SetBest.
func (m *Manager) Best() (state core.ModelState, epoch int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.best == nil {
		return nil, -1, false
	}
	return m.best.Clone(), m.bestEpoch, true
}

func (m *Manager) BestAcc() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bestAcc
}
