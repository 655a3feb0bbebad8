package scheduler

import "sync"

// idLock 同一任务id的调度、取消、写入结果互斥，不同id互不影响
type idLock struct {
	mu   sync.Mutex
	refs int
}

// lockID 锁住id，返回解锁函数；需在不持有s.lock时调用
func (s *Scheduler) lockID(id string) func() {
	s.lock.Lock()
	l, ok := s.idLocks[id]
	if !ok {
		l = &idLock{}
		s.idLocks[id] = l
	}
	l.refs++
	s.lock.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.lock.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.idLocks, id)
		}
		s.lock.Unlock()
	}
}
