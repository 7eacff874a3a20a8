// internal/metrics/store.go
package metrics

import (
	"bytes"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
)

// CSVColumns is the fixed header of the accuracy table.
var CSVColumns = []string{"num_session", "acc", "base_acc", "new_acc", "base_acc_given_new", "new_acc_given_base"}

// TrainingLog - per-epoch curves of the base phase plus per-session best accuracies (percent)
type TrainingLog struct {
	TrainLoss   []float64
	TrainAcc    []float64
	TestLoss    []float64
	TestAcc     []float64
	MaxAcc      []float64
	MaxAccEpoch int
}

// AccuracyRow - one session-level evaluation. Undefined entries are NaN.
type AccuracyRow struct {
	Session         int
	Acc             float64
	BaseAcc         float64
	NewAcc          float64
	BaseAccGivenNew float64
	NewAccGivenBase float64
}

func (r AccuracyRow) record() []string {
	return []string{
		strconv.Itoa(r.Session),
		csvFloat(r.Acc),
		csvFloat(r.BaseAcc),
		csvFloat(r.NewAcc),
		csvFloat(r.BaseAccGivenNew),
		csvFloat(r.NewAccGivenBase),
	}
}

// EpochRecord - one base-phase epoch
type EpochRecord struct {
	Epoch     int
	LR        float64
	TrainLoss float64
	TrainAcc  float64
	TestLoss  float64
	TestAcc   float64
}

func (e EpochRecord) line() string {
	return fmt.Sprintf("epoch:%03d,lr:%.4f,training_loss:%.5f,training_acc:%.5f,test_loss:%.5f,test_acc:%.5f",
		e.Epoch, e.LR, e.TrainLoss, e.TrainAcc, e.TestLoss, e.TestAcc)
}

// Store is the append-only metric record of one run. Appends are O(1); files are written
// wholesale by WriteResults and WriteCSV while an optional sqlite database receives every
// append as it happens.
type Store struct {
	mu    sync.Mutex
	log   TrainingLog
	rows  []AccuracyRow
	lines []string
	db    *sql.DB
}

// NewStore creates a store for sessions sessions. An empty dbPath disables sqlite snapshots;
// otherwise the database is cleared so it only ever holds the current run.
func NewStore(sessions int, dbPath string) (*Store, error) {
	if sessions < 1 {
		return nil, fmt.Errorf("sessions must be >= 1, got %d", sessions)
	}
	s := &Store{log: TrainingLog{MaxAcc: make([]float64, sessions)}}
	if dbPath == "" {
		return s, nil
	}
	db, err := openDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics db: %w", err)
	}
	s.db = db
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendEpoch records one base-phase epoch and its results line.
func (s *Store) AppendEpoch(e EpochRecord) error {
	s.mu.Lock()
	s.log.TrainLoss = append(s.log.TrainLoss, e.TrainLoss)
	s.log.TrainAcc = append(s.log.TrainAcc, e.TrainAcc)
	s.log.TestLoss = append(s.log.TestLoss, e.TestLoss)
	s.log.TestAcc = append(s.log.TestAcc, e.TestAcc)
	s.lines = append(s.lines, e.line())
	s.mu.Unlock()
	return s.exec(`INSERT INTO epochs(epoch, lr, train_loss, train_acc, test_loss, test_acc) VALUES(?,?,?,?,?,?)`,
		e.Epoch, e.LR, e.TrainLoss, e.TrainAcc, e.TestLoss, e.TestAcc)
}

// AppendAccuracy adds one row to the accuracy table.
func (s *Store) AppendAccuracy(r AccuracyRow) error {
	s.mu.Lock()
	s.rows = append(s.rows, r)
	s.mu.Unlock()
	return s.exec(`INSERT INTO accuracy(session, acc, base_acc, new_acc, base_acc_given_new, new_acc_given_base) VALUES(?,?,?,?,?,?)`,
		r.Session, nullable(r.Acc), nullable(r.BaseAcc), nullable(r.NewAcc),
		nullable(r.BaseAccGivenNew), nullable(r.NewAccGivenBase))
}

func (s *Store) AddLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, strings.TrimRight(line, "\n"))
}

// SetMaxAcc stores acc (percent) for session rounded to three decimals and returns the stored value.
func (s *Store) SetMaxAcc(session int, acc float64) (float64, error) {
	v := Round3(acc)
	s.mu.Lock()
	if session < 0 || session >= len(s.log.MaxAcc) {
		s.mu.Unlock()
		return 0, fmt.Errorf("session %d outside [0, %d)", session, len(s.log.MaxAcc))
	}
	s.log.MaxAcc[session] = v
	epoch := s.log.MaxAccEpoch
	s.mu.Unlock()
	return v, s.exec(`INSERT INTO max_acc(session, acc, epoch) VALUES(?,?,?)
		ON CONFLICT(session) DO UPDATE SET acc = excluded.acc, epoch = excluded.epoch`, session, v, epoch)
}

func (s *Store) MaxAcc(session int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session < 0 || session >= len(s.log.MaxAcc) {
		return 0
	}
	return s.log.MaxAcc[session]
}

func (s *Store) SetMaxAccEpoch(epoch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.MaxAccEpoch = epoch
}

// Log returns a copy of the training log.
func (s *Store) Log() TrainingLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return TrainingLog{
		TrainLoss:   append([]float64(nil), s.log.TrainLoss...),
		TrainAcc:    append([]float64(nil), s.log.TrainAcc...),
		TestLoss:    append([]float64(nil), s.log.TestLoss...),
		TestAcc:     append([]float64(nil), s.log.TestAcc...),
		MaxAcc:      append([]float64(nil), s.log.MaxAcc...),
		MaxAccEpoch: s.log.MaxAccEpoch,
	}
}

func (s *Store) Rows() []AccuracyRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AccuracyRow(nil), s.rows...)
}

func (s *Store) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// WriteResults rewrites path with every results line followed by the per-session max-acc list.
func (s *Store) WriteResults(path string) error {
	s.mu.Lock()
	var buf bytes.Buffer
	for _, l := range s.lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	buf.WriteString(FormatAccList(s.log.MaxAcc))
	buf.WriteByte('\n')
	s.mu.Unlock()

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	log.Info().Str("path", path).Msg("Results written")
	return nil
}

// WriteCSV rewrites path with the accuracy table. Undefined values become empty cells.
func (s *Store) WriteCSV(path string) error {
	s.mu.Lock()
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write(CSVColumns)
	for _, r := range s.rows {
		w.Write(r.record())
	}
	w.Flush()
	s.mu.Unlock()
	if err := w.Error(); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write accuracy table: %w", err)
	}
	log.Info().Str("path", path).Int("rows", len(s.Rows())).Msg("Accuracy table written")
	return nil
}

// RenderSummary prints one line per session with its best accuracy and the last table row.
func (s *Store) RenderSummary(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := make(map[int]AccuracyRow)
	for _, r := range s.rows {
		last[r.Session] = r
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Session", "Max Acc", "Base Acc", "New Acc", "Base|New", "New|Base"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for session, acc := range s.log.MaxAcc {
		row := []string{strconv.Itoa(session), fmt.Sprintf("%.3f", acc), "-", "-", "-", "-"}
		if r, ok := last[session]; ok {
			row[2] = summaryFloat(r.BaseAcc)
			row[3] = summaryFloat(r.NewAcc)
			row[4] = summaryFloat(r.BaseAccGivenNew)
			row[5] = summaryFloat(r.NewAccGivenBase)
		}
		table.Append(row)
	}
	table.SetFooter([]string{"Best epoch", strconv.Itoa(s.log.MaxAccEpoch), "", "", "", ""})
	table.Render()
}

// Round3 rounds a percentage to three decimals.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// FormatAccList renders values as "[81.5, 70.25, 0.0]".
func FormatAccList(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		s := strconv.FormatFloat(v, 'f', -1, 64)
		if !strings.ContainsAny(s, ".NI") {
			s += ".0"
		}
		parts[i] = s
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func csvFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(Round3(v), 'f', -1, 64)
}

func summaryFloat(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.3f", v)
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS epochs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			epoch INTEGER NOT NULL,
			lr REAL NOT NULL,
			train_loss REAL,
			train_acc REAL,
			test_loss REAL,
			test_acc REAL
		)`,
		`CREATE TABLE IF NOT EXISTS accuracy(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session INTEGER NOT NULL,
			acc REAL,
			base_acc REAL,
			new_acc REAL,
			base_acc_given_new REAL,
			new_acc_given_base REAL
		)`,
		`CREATE TABLE IF NOT EXISTS max_acc(
			session INTEGER PRIMARY KEY,
			acc REAL NOT NULL,
			epoch INTEGER NOT NULL
		)`,
		// run directories are deterministic, a rerun reuses the file
		`DELETE FROM epochs`,
		`DELETE FROM accuracy`,
		`DELETE FROM max_acc`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (s *Store) exec(query string, args ...interface{}) error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("metrics snapshot: %w", err)
	}
	return nil
}

// ErrNoDB is returned by queries on a store without a database.
var ErrNoDB = errors.New("metrics store has no database")

// CountRows returns the number of rows of a snapshot table.
func (s *Store) CountRows(table string) (int, error) {
	if s.db == nil {
		return 0, ErrNoDB
	}
	switch table {
	case "epochs", "accuracy", "max_acc":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
	return n, err
}
