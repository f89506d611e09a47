package levels

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/flintdb/flint/core"
	"github.com/flintdb/flint/sstable"
)

const (
	// DefaultMaxLevels is the default number of levels in the tree.
	DefaultMaxLevels = 7
	// DefaultMaxL0Files triggers an L0 to L1 compaction when reached.
	DefaultMaxL0Files = 4
	// DefaultBaseTargetSize is the default target byte size for level 1.
	DefaultBaseTargetSize = 64 * 1024 * 1024 // 64 MB
	// DefaultSizeMultiplier is the per-level growth factor of target sizes.
	DefaultSizeMultiplier = 10.0
)

// Options configures a Manager.
type Options struct {
	MaxLevels      int
	MaxL0Files     int
	BaseTargetSize int64
	SizeMultiplier float64
	// Comparator orders keys for level sorting and overlap queries. It must
	// match the comparator the tables were written with. Defaults to
	// core.BytesComparator.
	Comparator core.Comparator
	Logger     *slog.Logger
}

// Manager tracks which SSTables are live at each level and answers the
// compaction-policy questions: does a level need compacting, which table
// should go next, and which tables in the level below overlap it.
type Manager struct {
	mu             sync.RWMutex
	levels         []*LevelState
	maxLevels      int
	maxL0Files     int
	baseTargetSize int64
	sizeMultiplier float64
	cmp            core.Comparator
	logger         *slog.Logger
}

// NewManager creates a Manager with empty levels.
func NewManager(opts Options) (*Manager, error) {
	if opts.MaxLevels <= 0 {
		opts.MaxLevels = DefaultMaxLevels
	}
	if opts.MaxL0Files <= 0 {
		opts.MaxL0Files = DefaultMaxL0Files
	}
	if opts.BaseTargetSize <= 0 {
		opts.BaseTargetSize = DefaultBaseTargetSize
	}
	if opts.SizeMultiplier <= 1 {
		opts.SizeMultiplier = DefaultSizeMultiplier
	}
	if opts.Comparator == nil {
		opts.Comparator = core.BytesComparator
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		levels:         make([]*LevelState, opts.MaxLevels),
		maxLevels:      opts.MaxLevels,
		maxL0Files:     opts.MaxL0Files,
		baseTargetSize: opts.BaseTargetSize,
		sizeMultiplier: opts.SizeMultiplier,
		cmp:            opts.Comparator,
		logger:         opts.Logger.With("component", "levels"),
	}
	for i := range m.levels {
		m.levels[i] = newLevelState(i, opts.Comparator)
	}
	return m, nil
}

// AddTable places one table at a level. L0 additions come from memtable
// flushes; other levels are populated during recovery and compaction.
func (m *Manager) AddTable(level int, table *sstable.SSTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if level < 0 || level >= m.maxLevels {
		return fmt.Errorf("invalid level number %d", level)
	}
	return m.levels[level].Add(table)
}

// AddTables places several tables at a level with a single sort.
func (m *Manager) AddTables(level int, tables []*sstable.SSTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if level < 0 || level >= m.maxLevels {
		return fmt.Errorf("invalid level number %d", level)
	}
	return m.levels[level].AddBatch(tables)
}

// RemoveTables drops tables by id from a level.
func (m *Manager) RemoveTables(level int, tableIDs []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeTablesLocked(level, tableIDs)
}

func (m *Manager) removeTablesLocked(level int, tableIDs []uint64) error {
	if level < 0 || level >= m.maxLevels {
		return fmt.Errorf("invalid level number %d", level)
	}
	for _, id := range tableIDs {
		if err := m.levels[level].Remove(id); err != nil {
			return err
		}
	}
	return nil
}

// LevelsForRead returns the level states under a read lock. The caller must
// invoke the returned function to release the lock, and must Ref any table
// it wants to keep using after the release.
func (m *Manager) LevelsForRead() ([]*LevelState, func()) {
	m.mu.RLock()
	return m.levels, m.mu.RUnlock
}

// TablesForLevel returns a copy of a level's ordered table list.
func (m *Manager) TablesForLevel(level int) []*sstable.SSTable {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if level < 0 || level >= m.maxLevels {
		return nil
	}
	return m.levels[level].Tables()
}

// TotalSizeForLevel returns the byte size of a level.
func (m *Manager) TotalSizeForLevel(level int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if level < 0 || level >= m.maxLevels {
		return 0
	}
	return m.levels[level].TotalSize()
}

// TableCounts returns the number of tables per level, for metrics.
func (m *Manager) TableCounts() map[int]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[int]int, len(m.levels))
	for i, level := range m.levels {
		counts[i] = level.Len()
	}
	return counts
}

// NeedsL0Compaction reports whether L0 has accumulated enough files to
// compact into L1.
func (m *Manager) NeedsL0Compaction() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.levels[0].Len() >= m.maxL0Files
}

// NeedsLevelNCompaction reports whether level N (N >= 1) exceeds its target
// size. The highest level never compacts further down.
func (m *Manager) NeedsLevelNCompaction(level int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if level <= 0 || level >= m.maxLevels-1 {
		return false
	}
	return m.levels[level].TotalSize() >= m.TargetSizeForLevel(level)
}

// TargetSizeForLevel returns the byte budget of a level. Targets grow
// geometrically: level 1 gets the base size, each deeper level multiplies it.
func (m *Manager) TargetSizeForLevel(level int) int64 {
	if level <= 0 {
		return 0
	}
	target := float64(m.baseTargetSize)
	for i := 1; i < level; i++ {
		target *= m.sizeMultiplier
	}
	return int64(target)
}

// OverlappingTables returns the tables at a level whose key ranges intersect
// [minKey, maxKey]. A nil bound is unbounded on that side.
func (m *Manager) OverlappingTables(level int, minKey, maxKey []byte) []*sstable.SSTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overlappingTablesLocked(level, minKey, maxKey)
}

func (m *Manager) overlappingTablesLocked(level int, minKey, maxKey []byte) []*sstable.SSTable {
	if level < 0 || level >= m.maxLevels {
		return nil
	}

	var overlapping []*sstable.SSTable
	if level == 0 {
		for _, table := range m.levels[0].tables {
			if (maxKey == nil || m.cmp.Compare(table.MinKey(), maxKey) <= 0) &&
				(minKey == nil || m.cmp.Compare(table.MaxKey(), minKey) >= 0) {
				overlapping = append(overlapping, table)
			}
		}
		return overlapping
	}

	// L1+ tables are sorted by MinKey and disjoint, so the overlap is a
	// contiguous run starting at the first table reaching minKey.
	tables := m.levels[level].tables
	start := sort.Search(len(tables), func(i int) bool {
		return minKey == nil || m.cmp.Compare(tables[i].MaxKey(), minKey) >= 0
	})
	for i := start; i < len(tables); i++ {
		if maxKey != nil && m.cmp.Compare(tables[i].MinKey(), maxKey) > 0 {
			break
		}
		overlapping = append(overlapping, tables[i])
	}
	return overlapping
}

// PickCompactionCandidate selects the table at level N (N >= 1) whose key
// range overlaps the fewest bytes at level N+1, minimizing the data that
// must be rewritten. When several tables have zero overlap the oldest one
// (smallest id) is taken so no table starves.
func (m *Manager) PickCompactionCandidate(level int) *sstable.SSTable {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if level <= 0 || level >= m.maxLevels-1 {
		return nil
	}
	tables := m.levels[level].tables
	if len(tables) == 0 {
		return nil
	}

	var best *sstable.SSTable
	minOverlap := int64(math.MaxInt64)
	for _, table := range tables {
		var overlap int64
		for _, other := range m.overlappingTablesLocked(level+1, table.MinKey(), table.MaxKey()) {
			overlap += other.Size()
		}
		if overlap < minOverlap {
			minOverlap = overlap
			best = table
		}
	}

	if minOverlap > 0 {
		return best
	}

	var oldest *sstable.SSTable
	for _, table := range tables {
		if oldest == nil || table.ID() < oldest.ID() {
			oldest = table
		}
	}
	return oldest
}

// ApplyCompactionResults swaps the inputs of a finished compaction for its
// outputs. oldTables may span both the source and target level; new tables
// land at the target level. The caller persists the matching manifest edit
// before calling this.
func (m *Manager) ApplyCompactionResults(sourceLevel, targetLevel int, newTables, oldTables []*sstable.SSTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sourceLevel < 0 || sourceLevel >= m.maxLevels ||
		targetLevel < 0 || targetLevel >= m.maxLevels {
		return fmt.Errorf("invalid source level %d or target level %d", sourceLevel, targetLevel)
	}

	for _, table := range oldTables {
		id := table.ID()
		if err := m.levels[sourceLevel].Remove(id); err == nil {
			continue
		}
		if sourceLevel != targetLevel {
			if err := m.levels[targetLevel].Remove(id); err != nil {
				return fmt.Errorf("compaction input table %d not found in level %d or %d", id, sourceLevel, targetLevel)
			}
		} else {
			return fmt.Errorf("compaction input table %d not found in level %d", id, sourceLevel)
		}
	}

	if err := m.levels[targetLevel].AddBatch(newTables); err != nil {
		return fmt.Errorf("failed to install compaction outputs at level %d: %w", targetLevel, err)
	}
	return nil
}

// MaxLevels returns the configured level count.
func (m *Manager) MaxLevels() int {
	return m.maxLevels
}

// MaxL0Files returns the L0 compaction trigger.
func (m *Manager) MaxL0Files() int {
	return m.maxL0Files
}

// TotalTableCount returns the number of live tables across all levels.
func (m *Manager) TotalTableCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, level := range m.levels {
		count += level.Len()
	}
	return count
}

// VerifyConsistency checks the structural invariants: L1+ levels sorted by
// MinKey with pairwise-disjoint ranges.
func (m *Manager) VerifyConsistency() []error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for level := 1; level < m.maxLevels; level++ {
		tables := m.levels[level].tables
		for i := 0; i < len(tables)-1; i++ {
			a, b := tables[i], tables[i+1]
			if m.cmp.Compare(a.MinKey(), b.MinKey()) > 0 {
				errs = append(errs, fmt.Errorf("level %d: table %d sorts after table %d", level, a.ID(), b.ID()))
			}
			if m.cmp.Compare(a.MaxKey(), b.MinKey()) >= 0 {
				errs = append(errs, fmt.Errorf("level %d: table %d overlaps table %d", level, a.ID(), b.ID()))
			}
		}
	}
	return errs
}

// Close releases the manager's reference on every live table.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, level := range m.levels {
		for _, table := range level.tables {
			if err := table.Unref(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to release table %d in level %d: %w", table.ID(), level.levelNumber, err)
			}
		}
		level.tables = nil
		level.tableMap = make(map[uint64]*sstable.SSTable)
		level.totalSize = 0
	}
	return firstErr
}
