package rollback

import (
	"sort"
	"sync"

	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/model"
)

// Store persists rollback points and operations. Implementations are safe
// for concurrent use and never hand out records they still hold.
type Store interface {
	PutPoint(p *model.RollbackPoint) error
	GetPoint(id model.PointID) (*model.RollbackPoint, error)
	ListPoints() ([]*model.RollbackPoint, error)
	DeletePoint(id model.PointID) error

	PutOperation(op *model.RollbackOperation) error
	GetOperation(id model.OperationID) (*model.RollbackOperation, error)
	ListOperations() ([]*model.RollbackOperation, error)

	Close() error
}

func pointNotFound(id model.PointID) error {
	return errclass.ErrPointNotFound.WithMessagef("rollback point %s not found", id).WithDetail("point_id", string(id))
}

func operationNotFound(id model.OperationID) error {
	return errclass.ErrOperationNotFound.WithMessagef("rollback operation %s not found", id).WithDetail("operation_id", string(id))
}

func sortPoints(points []*model.RollbackPoint) {
	sort.Slice(points, func(i, j int) bool {
		if !points[i].CreatedAt.Equal(points[j].CreatedAt) {
			return points[i].CreatedAt.After(points[j].CreatedAt)
		}
		return points[i].ID > points[j].ID
	})
}

func sortOperations(ops []*model.RollbackOperation) {
	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].StartedAt.Equal(ops[j].StartedAt) {
			return ops[i].StartedAt.After(ops[j].StartedAt)
		}
		return ops[i].ID > ops[j].ID
	})
}

// MemoryStore keeps points and operations in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	points map[model.PointID]*model.RollbackPoint
	ops    map[model.OperationID]*model.RollbackOperation
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		points: make(map[model.PointID]*model.RollbackPoint),
		ops:    make(map[model.OperationID]*model.RollbackOperation),
	}
}

func (s *MemoryStore) PutPoint(p *model.RollbackPoint) error {
	c := *p
	s.mu.Lock()
	s.points[p.ID] = &c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetPoint(id model.PointID) (*model.RollbackPoint, error) {
	s.mu.RLock()
	p, ok := s.points[id]
	s.mu.RUnlock()
	if !ok {
		return nil, pointNotFound(id)
	}
	c := *p
	return &c, nil
}

// ListPoints returns every point, newest first.
func (s *MemoryStore) ListPoints() ([]*model.RollbackPoint, error) {
	s.mu.RLock()
	out := make([]*model.RollbackPoint, 0, len(s.points))
	for _, p := range s.points {
		c := *p
		out = append(out, &c)
	}
	s.mu.RUnlock()
	sortPoints(out)
	return out, nil
}

func (s *MemoryStore) DeletePoint(id model.PointID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.points[id]; !ok {
		return pointNotFound(id)
	}
	delete(s.points, id)
	return nil
}

func (s *MemoryStore) PutOperation(op *model.RollbackOperation) error {
	c := op.Clone()
	s.mu.Lock()
	s.ops[op.ID] = c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetOperation(id model.OperationID) (*model.RollbackOperation, error) {
	s.mu.RLock()
	op, ok := s.ops[id]
	s.mu.RUnlock()
	if !ok {
		return nil, operationNotFound(id)
	}
	return op.Clone(), nil
}

// ListOperations returns every operation, most recently started first.
func (s *MemoryStore) ListOperations() ([]*model.RollbackOperation, error) {
	s.mu.RLock()
	out := make([]*model.RollbackOperation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op.Clone())
	}
	s.mu.RUnlock()
	sortOperations(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
