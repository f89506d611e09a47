package levels

import (
	"fmt"
	"sort"

	"github.com/flintdb/flint/core"
	"github.com/flintdb/flint/sstable"
)

// LevelState holds the live tables of a single level.
// L0 tables may overlap and are kept newest first. L1+ tables are
// range-disjoint and kept sorted by MinKey.
type LevelState struct {
	levelNumber int
	tables      []*sstable.SSTable
	tableMap    map[uint64]*sstable.SSTable
	totalSize   int64
	cmp         core.Comparator
}

func newLevelState(levelNumber int, cmp core.Comparator) *LevelState {
	return &LevelState{
		levelNumber: levelNumber,
		tableMap:    make(map[uint64]*sstable.SSTable),
		cmp:         cmp,
	}
}

// Add inserts one table, maintaining the level's order: prepended for L0,
// inserted at its sorted position for L1+.
func (ls *LevelState) Add(table *sstable.SSTable) error {
	if table == nil {
		return fmt.Errorf("cannot add nil table to level %d", ls.levelNumber)
	}
	if _, exists := ls.tableMap[table.ID()]; exists {
		return fmt.Errorf("table %d already present in level %d", table.ID(), ls.levelNumber)
	}

	ls.tableMap[table.ID()] = table
	if ls.levelNumber == 0 {
		ls.tables = append([]*sstable.SSTable{table}, ls.tables...)
	} else {
		idx := sort.Search(len(ls.tables), func(i int) bool {
			return ls.cmp.Compare(ls.tables[i].MinKey(), table.MinKey()) >= 0
		})
		ls.tables = append(ls.tables, nil)
		copy(ls.tables[idx+1:], ls.tables[idx:])
		ls.tables[idx] = table
	}
	ls.totalSize += table.Size()
	return nil
}

// AddBatch inserts several tables and sorts the level once.
func (ls *LevelState) AddBatch(tables []*sstable.SSTable) error {
	if len(tables) == 0 {
		return nil
	}

	for _, table := range tables {
		if table == nil {
			return fmt.Errorf("cannot add nil table to level %d", ls.levelNumber)
		}
		if _, exists := ls.tableMap[table.ID()]; exists {
			return fmt.Errorf("table %d already present in level %d", table.ID(), ls.levelNumber)
		}
		ls.tableMap[table.ID()] = table
		ls.tables = append(ls.tables, table)
		ls.totalSize += table.Size()
	}

	if ls.levelNumber == 0 {
		// Higher ids are newer flushes.
		sort.Slice(ls.tables, func(i, j int) bool {
			return ls.tables[i].ID() > ls.tables[j].ID()
		})
	} else {
		sort.SliceStable(ls.tables, func(i, j int) bool {
			return ls.cmp.Compare(ls.tables[i].MinKey(), ls.tables[j].MinKey()) < 0
		})
	}
	return nil
}

// Remove drops a table by id.
func (ls *LevelState) Remove(tableID uint64) error {
	table, ok := ls.tableMap[tableID]
	if !ok {
		return fmt.Errorf("table %d not found in level %d", tableID, ls.levelNumber)
	}

	delete(ls.tableMap, tableID)
	ls.totalSize -= table.Size()

	kept := ls.tables[:0]
	for _, t := range ls.tables {
		if t.ID() != tableID {
			kept = append(kept, t)
		}
	}
	ls.tables = kept
	return nil
}

// Len returns the number of tables in the level.
func (ls *LevelState) Len() int {
	return len(ls.tables)
}

// LevelNumber returns the level index.
func (ls *LevelState) LevelNumber() int {
	return ls.levelNumber
}

// TotalSize returns the combined byte size of the level's tables.
func (ls *LevelState) TotalSize() int64 {
	return ls.totalSize
}

// Tables returns a copy of the ordered table list.
func (ls *LevelState) Tables() []*sstable.SSTable {
	out := make([]*sstable.SSTable, len(ls.tables))
	copy(out, ls.tables)
	return out
}
