package cos

import "sync"

// StopCh is a close-once signal channel: Close is safe to call more than
// once and from more than one goroutine; Listen returns the channel to
// select on. Grounded on the teacher's cos.StopCh (transport/base.go usage:
// s.stopCh.Init(); ...; s.stopCh.Close(); ...; <-s.stopCh.Listen()).
type StopCh struct {
	ch   chan struct{}
	once sync.Once
}

func (s *StopCh) Init() { s.ch = make(chan struct{}) }

func (s *StopCh) Close() { s.once.Do(func() { close(s.ch) }) }

func (s *StopCh) Listen() <-chan struct{} { return s.ch }
