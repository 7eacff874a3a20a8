// internal/model/dataset.go
package model

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// Samples - in-memory feature vectors with integer labels
type Samples struct {
	features  *mat.Dense
	targets   []int
	transform Transform
	// jitter is the stddev of the Gaussian noise TransformTrain adds to each feature.
	jitter float64
}

func NewSamples(features *mat.Dense, targets []int, jitter float64) (*Samples, error) {
	n, _ := features.Dims()
	if n != len(targets) {
		return nil, fmt.Errorf("%d feature rows for %d targets", n, len(targets))
	}
	return &Samples{
		features:  features,
		targets:   append([]int(nil), targets...),
		transform: TransformTrain,
		jitter:    jitter,
	}, nil
}

func (s *Samples) Len() int {
	return len(s.targets)
}

func (s *Samples) Targets() []int {
	return append([]int(nil), s.targets...)
}

func (s *Samples) Classes() []int {
	return SortedUnique(s.targets)
}

func (s *Samples) Transform() Transform {
	return s.transform
}

func (s *Samples) WithTransform(t Transform) Dataset {
	c := *s
	c.transform = t
	return &c
}

func (s *Samples) FeatureDim() int {
	_, d := s.features.Dims()
	return d
}

// batch gathers rows idx, applying augmentation when the dataset is in training mode.
func (s *Samples) batch(idx []int, rng *rand.Rand) *mat.Dense {
	_, d := s.features.Dims()
	out := mat.NewDense(len(idx), d, nil)
	for r, i := range idx {
		out.SetRow(r, s.features.RawRowView(i))
	}
	if s.transform == TransformTrain && s.jitter > 0 && rng != nil {
		raw := out.RawMatrix().Data
		for k := range raw {
			raw[k] += rng.NormFloat64() * s.jitter
		}
	}
	return out
}

// filter keeps the rows whose class is in keep, at most perClass of each (0 = all).
func (s *Samples) filter(keep []int, perClass int) *Samples {
	want := make(map[int]bool, len(keep))
	for _, c := range keep {
		want[c] = true
	}
	count := make(map[int]int)
	var rows []int
	for i, t := range s.targets {
		if !want[t] || (perClass > 0 && count[t] >= perClass) {
			continue
		}
		count[t]++
		rows = append(rows, i)
	}
	return s.subset(rows)
}

func (s *Samples) subset(rows []int) *Samples {
	_, d := s.features.Dims()
	targets := make([]int, len(rows))
	var feats *mat.Dense
	if len(rows) > 0 {
		feats = mat.NewDense(len(rows), d, nil)
		for r, i := range rows {
			feats.SetRow(r, s.features.RawRowView(i))
			targets[r] = s.targets[i]
		}
	} else {
		feats = &mat.Dense{}
	}
	return &Samples{features: feats, targets: targets, transform: s.transform, jitter: s.jitter}
}

func asSamples(d Dataset) (*Samples, error) {
	s, ok := d.(*Samples)
	if !ok {
		return nil, fmt.Errorf("unsupported dataset type %T", d)
	}
	if s.Len() == 0 {
		return nil, errors.New("empty dataset")
	}
	return s, nil
}

// Split describes how classes are distributed over sessions.
type Split struct {
	BaseClass int
	Way       int
	Shot      int
}

// SessionClasses returns the classes introduced by session.
func (sp Split) SessionClasses(session int) []int {
	lo, hi := 0, sp.BaseClass
	if session > 0 {
		lo = sp.BaseClass + (session-1)*sp.Way
		hi = lo + sp.Way
	}
	return intRange(lo, hi)
}

// SeenClasses returns every class of sessions 0..session.
func (sp Split) SeenClasses(session int) []int {
	hi := sp.BaseClass
	if session > 0 {
		hi += session * sp.Way
	}
	return intRange(0, hi)
}

func (sp Split) sessionData(session int, train, test *Samples) *SessionData {
	shot := 0
	if session > 0 {
		shot = sp.Shot
	}
	fresh := sp.SessionClasses(session)
	seen := sp.SeenClasses(session)
	testSet := test.filter(seen, 0)
	testSet.transform = TransformEval
	return &SessionData{
		Session:     session,
		Train:       train.filter(fresh, shot),
		Test:        testSet,
		NewClasses:  fresh,
		SeenClasses: seen,
		BaseClasses: sp.SessionClasses(0),
	}
}

// SyntheticConfig - Gaussian class clusters for smoke runs and tests
type SyntheticConfig struct {
	Split
	NumClasses    int
	FeatureDim    int
	TrainPerClass int
	TestPerClass  int
	Spread        float64
	Jitter        float64
	Seed          int64
}

// SyntheticLoader generates one pool of samples per run and slices it per session.
type SyntheticLoader struct {
	cfg   SyntheticConfig
	cache *cache.Cache
}

func NewSyntheticLoader(cfg SyntheticConfig) *SyntheticLoader {
	if cfg.Spread == 0 {
		cfg.Spread = 0.5
	}
	return &SyntheticLoader{cfg: cfg, cache: cache.New(cache.NoExpiration, 0)}
}

func (l *SyntheticLoader) Load(ctx context.Context, session int) (*SessionData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	train, test := l.pool()
	return l.cfg.sessionData(session, train, test), nil
}

func (l *SyntheticLoader) pool() (*Samples, *Samples) {
	if v, ok := l.cache.Get("pool"); ok {
		p := v.([2]*Samples)
		return p[0], p[1]
	}

	cfg := l.cfg
	rng := rand.New(rand.NewSource(cfg.Seed))
	centers := make([][]float64, cfg.NumClasses)
	for c := range centers {
		centers[c] = make([]float64, cfg.FeatureDim)
		for j := range centers[c] {
			centers[c][j] = rng.NormFloat64()
		}
	}
	gen := func(perClass int) *Samples {
		feats := mat.NewDense(cfg.NumClasses*perClass, cfg.FeatureDim, nil)
		targets := make([]int, 0, cfg.NumClasses*perClass)
		row := 0
		for c := 0; c < cfg.NumClasses; c++ {
			for k := 0; k < perClass; k++ {
				for j := 0; j < cfg.FeatureDim; j++ {
					feats.Set(row, j, centers[c][j]+rng.NormFloat64()*cfg.Spread)
				}
				targets = append(targets, c)
				row++
			}
		}
		s, _ := NewSamples(feats, targets, cfg.Jitter)
		return s
	}
	train, test := gen(cfg.TrainPerClass), gen(cfg.TestPerClass)
	l.cache.Set("pool", [2]*Samples{train, test}, cache.NoExpiration)
	return train, test
}

// CSVLoader reads <root>/session_<N>_train.csv and session_<N>_test.csv; the last column
// of each row is the integer label, the others are features.
type CSVLoader struct {
	root   string
	split  Split
	jitter float64
	cache  *cache.Cache
}

func NewCSVLoader(root string, split Split, jitter float64) *CSVLoader {
	return &CSVLoader{
		root:   root,
		split:  split,
		jitter: jitter,
		cache:  cache.New(30*time.Minute, 10*time.Minute),
	}
}

func (l *CSVLoader) Load(ctx context.Context, session int) (*SessionData, error) {
	train, err := l.read(ctx, fmt.Sprintf("session_%d_train.csv", session))
	if err != nil {
		return nil, err
	}
	var tests []*Samples
	for s := 0; s <= session; s++ {
		t, err := l.read(ctx, fmt.Sprintf("session_%d_test.csv", s))
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	test, err := concat(tests)
	if err != nil {
		return nil, err
	}
	return l.split.sessionData(session, train, test), nil
}

func (l *CSVLoader) read(ctx context.Context, name string) (*Samples, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(l.root, name)
	if v, ok := l.cache.Get(path); ok {
		return v.(*Samples), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer f.Close()

	s, err := parseCSV(f, l.jitter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	l.cache.Set(path, s, cache.DefaultExpiration)
	log.Debug().Str("path", path).Int("samples", s.Len()).Msg("Loaded dataset file")
	return s, nil
}

func parseCSV(r io.Reader, jitter float64) (*Samples, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	var data []float64
	var targets []int
	width := -1
	for line := 1; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if width == -1 {
			width = len(rec) - 1
			if width < 1 {
				return nil, fmt.Errorf("line %d: need at least one feature and a label", line)
			}
		}
		for _, field := range rec[:width] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			data = append(data, v)
		}
		label, err := strconv.Atoi(rec[width])
		if err != nil {
			return nil, fmt.Errorf("line %d: label: %w", line, err)
		}
		targets = append(targets, label)
	}
	if len(targets) == 0 {
		return nil, errors.New("no rows")
	}
	return NewSamples(mat.NewDense(len(targets), width, data), targets, jitter)
}

func concat(parts []*Samples) (*Samples, error) {
	var data []float64
	var targets []int
	width := -1
	for _, p := range parts {
		if p.Len() == 0 {
			continue
		}
		if width == -1 {
			width = p.FeatureDim()
		} else if p.FeatureDim() != width {
			return nil, fmt.Errorf("feature width %d does not match %d", p.FeatureDim(), width)
		}
		data = append(data, p.features.RawMatrix().Data...)
		targets = append(targets, p.targets...)
	}
	if width == -1 {
		return nil, errors.New("no test samples")
	}
	return NewSamples(mat.NewDense(len(targets), width, data), targets, parts[0].jitter)
}

func intRange(lo, hi int) []int {
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}
