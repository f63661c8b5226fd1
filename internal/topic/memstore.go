package topic

import (
	"context"
	"math/rand/v2"
	"sync"
)

// MemStore keeps starters in process memory. It backs the single-process
// dev mode, where no Postgres is configured.
type MemStore struct {
	mu       sync.Mutex
	starters []Starter
}

// NewMemStore creates a store holding starters, all unused.
func NewMemStore(starters []Starter) *MemStore {
	s := &MemStore{starters: make([]Starter, len(starters))}
	for i, st := range starters {
		st.ID = int64(i + 1)
		st.Used = false
		s.starters[i] = st
	}
	return s
}

// TakeUnused implements Store.
func (s *MemStore) TakeUnused(_ context.Context, interests []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []int
	for i, st := range s.starters {
		if !st.Used && contains(interests, st.Interest) {
			open = append(open, i)
		}
	}
	if len(open) == 0 {
		return "", ErrExhausted
	}
	i := open[rand.IntN(len(open))]
	s.starters[i].Used = true
	return s.starters[i].Topic, nil
}

// ResetUsed implements Store.
func (s *MemStore) ResetUsed(_ context.Context, interests []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.starters {
		if contains(interests, s.starters[i].Interest) {
			s.starters[i].Used = false
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// DefaultStarters mirrors the starters the seed migration installs.
func DefaultStarters() []Starter {
	return []Starter{
		{Interest: "Cars", Topic: "If you could own any car for a week, which one and where would you drive it?"},
		{Interest: "Cars", Topic: "What was the first car you remember being obsessed with?"},
		{Interest: "Tech", Topic: "Which gadget do you use every day that you could not live without?"},
		{Interest: "Tech", Topic: "What piece of technology do you think will feel old-fashioned in ten years?"},
		{Interest: "Animals", Topic: "If you could have any animal as a pet, no rules, what would you pick?"},
		{Interest: "Animals", Topic: "What is the strangest animal fact you know?"},
		{Interest: "Cooking", Topic: "What dish do you cook when you want to impress someone?"},
		{Interest: "Cooking", Topic: "What is a food combination people think is weird but you love?"},
		{Interest: "Sports", Topic: "Which sporting moment would you most like to have seen live?"},
		{Interest: "Sports", Topic: "Is there a sport you secretly think you would be great at?"},
		{Interest: "Travel", Topic: "What is the best place you have visited that most people have never heard of?"},
		{Interest: "Travel", Topic: "Window seat or aisle seat, and why?"},
		{Interest: "Art", Topic: "Which artwork stopped you in your tracks the first time you saw it?"},
		{Interest: "Art", Topic: "If you could master one art form overnight, which would it be?"},
		{Interest: "Books", Topic: "What book would you hand to a stranger to get to know you?"},
		{Interest: "Books", Topic: "Which fictional world would you actually want to live in?"},
		{Interest: "Movies", Topic: "What movie can you quote almost line for line?"},
		{Interest: "Movies", Topic: "Which film do you think deserves a sequel that never got one?"},
		{Interest: "Games", Topic: "What game have you sunk the most hours into?"},
		{Interest: "Games", Topic: "Board games or video games for a night in with friends?"},
	}
}
