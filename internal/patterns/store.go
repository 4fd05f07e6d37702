package patterns

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/utils"
)

var (
	// ErrDuplicatePattern is returned when a pattern ID is already registered.
	ErrDuplicatePattern = errors.New("pattern already exists")
	// ErrInvalidPattern wraps every validation failure reported by Validate.
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrUnknownPattern is returned for statistics updates on an unregistered ID.
	ErrUnknownPattern = errors.New("unknown pattern")
)

// Paths locates the persisted pattern state. Empty paths disable that file.
type Paths struct {
	Custom string
	Stats  string
	Matrix string
}

type patternStats struct {
	Occurrences   int        `json:"occurrences"`
	ResolvedCount int        `json:"resolvedCount"`
	LastSeen      *time.Time `json:"lastSeen,omitempty"`
}

// Store holds built-in and custom patterns together with their match statistics.
// All mutation goes through the store mutex; counters only ever increase.
type Store struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	paths    Paths
	patterns map[string]*models.ErrorPattern
	order    []string
	matrix   map[string]models.MatrixCell
}

// NewStore constructs an empty store. Call Load before use.
func NewStore(logger *slog.Logger, paths Paths) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:   logger,
		paths:    paths,
		patterns: make(map[string]*models.ErrorPattern),
		matrix:   make(map[string]models.MatrixCell),
	}
}

// Load merges built-ins with the persisted custom set and statistics. Unreadable
// files are logged and skipped; the store always ends up with at least the built-ins.
// It returns the number of custom patterns loaded.
func (s *Store) Load() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.patterns = make(map[string]*models.ErrorPattern)
	s.order = s.order[:0]
	for _, p := range Builtins() {
		p := p
		s.insertLocked(&p)
	}

	custom := s.readCustom()
	loaded := 0
	for _, p := range custom {
		if err := s.admitLocked(p); err != nil {
			s.logger.Warn("skipping persisted pattern", slog.String("id", p.ID), slog.Any("error", err))
			continue
		}
		loaded++
	}

	s.applyStatsLocked(s.readStats())
	s.matrix = s.readMatrix()

	s.logger.Debug("pattern store loaded",
		slog.Int("builtin", len(s.order)-loaded),
		slog.Int("custom", loaded),
	)
	return loaded
}

// Reload re-reads the custom pattern file and swaps the custom set in place,
// keeping in-memory statistics for patterns that survive the reload.
func (s *Store) Reload() (int, error) {
	if s.paths.Custom == "" {
		return 0, nil
	}
	var custom []models.ErrorPattern
	if err := utils.ReadJSON(s.paths.Custom, &custom); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("reload custom patterns: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := make(map[string]patternStats)
	order := s.order[:0:0]
	for _, id := range s.order {
		p := s.patterns[id]
		if p.Custom {
			previous[id] = statsOf(p)
			delete(s.patterns, id)
			continue
		}
		order = append(order, id)
	}
	s.order = order

	loaded := 0
	for _, p := range custom {
		if err := s.admitLocked(p); err != nil {
			s.logger.Warn("skipping reloaded pattern", slog.String("id", p.ID), slog.Any("error", err))
			continue
		}
		loaded++
	}
	s.applyStatsLocked(previous)
	return loaded, nil
}

// Add validates and registers a custom pattern, then persists the custom set.
func (s *Store) Add(p models.ErrorPattern) error {
	if err := Validate(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.admitLocked(p); err != nil {
		return err
	}
	if err := s.saveCustomLocked(); err != nil {
		s.removeLocked(p.ID)
		return err
	}
	return nil
}

// All returns a deep copy of every pattern in registration order.
func (s *Store) All() []models.ErrorPattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ErrorPattern, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.patterns[id].Clone())
	}
	return out
}

// Get returns a copy of one pattern.
func (s *Store) Get(id string) (models.ErrorPattern, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[id]
	if !ok {
		return models.ErrorPattern{}, false
	}
	return p.Clone(), true
}

// RecordMatch bumps the occurrence counter, advances lastSeen and updates the
// correlation matrix cell "{category}-{errorType}".
func (s *Store) RecordMatch(id string, errType models.ErrorType, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPattern, id)
	}
	p.Occurrences++
	if p.LastSeen == nil || at.After(*p.LastSeen) {
		ts := at
		p.LastSeen = &ts
	}

	key := fmt.Sprintf("%s-%s", p.Category, errType)
	cell := s.matrix[key]
	cell.Count++
	if !containsString(cell.PatternIDs, id) {
		cell.PatternIDs = append(append([]string(nil), cell.PatternIDs...), id)
		sort.Strings(cell.PatternIDs)
	}
	s.matrix[key] = cell
	return nil
}

// RecordResolution bumps the resolved counter after a successful recovery.
func (s *Store) RecordResolution(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPattern, id)
	}
	p.ResolvedCount++
	return nil
}

// Matrix returns a copy of the correlation matrix.
func (s *Store) Matrix() map[string]models.MatrixCell {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.MatrixCell, len(s.matrix))
	for k, v := range s.matrix {
		out[k] = models.MatrixCell{Count: v.Count, PatternIDs: append([]string(nil), v.PatternIDs...)}
	}
	return out
}

// Save persists the custom set, statistics and the correlation matrix.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	if err := s.saveCustomLocked(); err != nil {
		errs = append(errs, err)
	}
	if s.paths.Stats != "" {
		stats := make(map[string]patternStats, len(s.patterns))
		for id, p := range s.patterns {
			if p.Occurrences == 0 && p.ResolvedCount == 0 {
				continue
			}
			stats[id] = statsOf(p)
		}
		if err := utils.WriteJSONAtomic(s.paths.Stats, stats); err != nil {
			errs = append(errs, fmt.Errorf("save pattern stats: %w", err))
		}
	}
	if s.paths.Matrix != "" {
		if err := utils.WriteJSONAtomic(s.paths.Matrix, s.matrix); err != nil {
			errs = append(errs, fmt.Errorf("save correlation matrix: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of registered patterns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Validate checks that a pattern can be scored and recommended.
func Validate(p models.ErrorPattern) error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPattern)
	}
	if p.Matcher.Empty() {
		return fmt.Errorf("%w: %s has no matcher", ErrInvalidPattern, p.ID)
	}
	if p.Matcher.Regex != "" {
		if _, err := regexp.Compile(p.Matcher.Regex); err != nil {
			return fmt.Errorf("%w: %s regex: %v", ErrInvalidPattern, p.ID, err)
		}
	}
	if len(p.Solutions) == 0 {
		return fmt.Errorf("%w: %s has no solutions", ErrInvalidPattern, p.ID)
	}
	for _, sol := range p.Solutions {
		if sol.Confidence < 0 || sol.Confidence > 1 {
			return fmt.Errorf("%w: %s solution %q confidence out of range", ErrInvalidPattern, p.ID, sol.Strategy)
		}
	}
	if p.BaselineConfidence < 0 || p.BaselineConfidence > 1 {
		return fmt.Errorf("%w: %s baseline confidence out of range", ErrInvalidPattern, p.ID)
	}
	if p.AutoRecoverable && p.RecoveryProcedureRef == "" {
		return fmt.Errorf("%w: %s is auto-recoverable without a procedure", ErrInvalidPattern, p.ID)
	}
	return nil
}

func (s *Store) admitLocked(p models.ErrorPattern) error {
	if err := Validate(p); err != nil {
		return err
	}
	if _, exists := s.patterns[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePattern, p.ID)
	}
	p = p.Clone()
	p.Custom = true
	if p.Category == "" {
		p.Category = models.ErrorTypeUnknown
	}
	if p.Severity == "" {
		p.Severity = models.SeverityMedium
	}
	s.insertLocked(&p)
	return nil
}

func (s *Store) insertLocked(p *models.ErrorPattern) {
	s.patterns[p.ID] = p
	s.order = append(s.order, p.ID)
}

func (s *Store) removeLocked(id string) {
	delete(s.patterns, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) saveCustomLocked() error {
	if s.paths.Custom == "" {
		return nil
	}
	custom := make([]models.ErrorPattern, 0)
	for _, id := range s.order {
		if p := s.patterns[id]; p.Custom {
			custom = append(custom, p.Clone())
		}
	}
	if err := utils.WriteJSONAtomic(s.paths.Custom, custom); err != nil {
		return fmt.Errorf("save custom patterns: %w", err)
	}
	return nil
}

// applyStatsLocked merges persisted counters without ever lowering them.
func (s *Store) applyStatsLocked(stats map[string]patternStats) {
	for id, st := range stats {
		p, ok := s.patterns[id]
		if !ok {
			continue
		}
		if st.Occurrences > p.Occurrences {
			p.Occurrences = st.Occurrences
		}
		if st.ResolvedCount > p.ResolvedCount {
			p.ResolvedCount = st.ResolvedCount
		}
		if st.LastSeen != nil && (p.LastSeen == nil || st.LastSeen.After(*p.LastSeen)) {
			ts := *st.LastSeen
			p.LastSeen = &ts
		}
	}
}

func (s *Store) readCustom() []models.ErrorPattern {
	if s.paths.Custom == "" {
		return nil
	}
	var custom []models.ErrorPattern
	if err := utils.ReadJSON(s.paths.Custom, &custom); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("custom patterns unreadable, using built-ins only",
				slog.String("path", s.paths.Custom), slog.Any("error", err))
		}
		return nil
	}
	return custom
}

func (s *Store) readStats() map[string]patternStats {
	stats := make(map[string]patternStats)
	if s.paths.Stats == "" {
		return stats
	}
	if err := utils.ReadJSON(s.paths.Stats, &stats); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("pattern stats unreadable, starting from zero",
				slog.String("path", s.paths.Stats), slog.Any("error", err))
		}
		return map[string]patternStats{}
	}
	return stats
}

func (s *Store) readMatrix() map[string]models.MatrixCell {
	matrix := make(map[string]models.MatrixCell)
	if s.paths.Matrix == "" {
		return matrix
	}
	if err := utils.ReadJSON(s.paths.Matrix, &matrix); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("correlation matrix unreadable, starting empty",
				slog.String("path", s.paths.Matrix), slog.Any("error", err))
		}
		return map[string]models.MatrixCell{}
	}
	if matrix == nil {
		matrix = make(map[string]models.MatrixCell)
	}
	return matrix
}

func statsOf(p *models.ErrorPattern) patternStats {
	st := patternStats{Occurrences: p.Occurrences, ResolvedCount: p.ResolvedCount}
	if p.LastSeen != nil {
		ts := *p.LastSeen
		st.LastSeen = &ts
	}
	return st
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
