// Package limiter はプロセス全体で共有するページ解析の同時実行枠を提供します。
package limiter

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter は同時実行数を capacity に制限します。
// 待機中の取得要求は到着順（FIFO）に枠を受け取ります。
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int
	inFlight atomic.Int64
	peak     atomic.Int64
}

// Slot は取得済みの1枠です。Release は何度呼んでも1回分しか返却しません。
type Slot struct {
	l    *Limiter
	once sync.Once
}

// New は Limiter を作成します。capacity が1未満の場合は1になります。
func New(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Acquire は空き枠を待って取得します。ctx が終了した場合は枠を取得せずにエラーを返します。
func (l *Limiter) Acquire(ctx context.Context) (*Slot, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	n := l.inFlight.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return &Slot{l: l}, nil
}

// Release は枠を返却し、最も長く待っている取得要求を起こします。
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.l.inFlight.Add(-1)
		s.l.sem.Release(1)
	})
}

// Capacity は設定された上限を返します。
func (l *Limiter) Capacity() int {
	return l.capacity
}

// InFlight は現在取得されている枠の数を返します。
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Peak はこれまでに観測した同時取得数の最大値を返します。
func (l *Limiter) Peak() int {
	return int(l.peak.Load())
}
