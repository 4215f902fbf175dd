package main

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/albertbausili/opserve/pkg/opserve"
	"github.com/google/uuid"
)

var errNoteNotFound = errors.New("note not found")

type note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type createNoteInput struct {
	Title string   `json:"title" validate:"required,max=200"`
	Body  string   `json:"body" validate:"max=10000"`
	Tags  []string `json:"tags" validate:"max=10,dive,min=1,max=32"`
}

type noteIDInput struct {
	ID string `json:"-"`
}

func (in *noteIDInput) BindPath(params opserve.PathParams) error {
	id, err := params.Require("id")
	in.ID = id
	return err
}

type noteList struct {
	Notes []note `json:"notes"`
}

// noteStore keeps notes in memory.
type noteStore struct {
	mu    sync.RWMutex
	notes map[string]note
}

func newNoteStore() *noteStore {
	return &noteStore{notes: make(map[string]note)}
}

func (s *noteStore) create(in createNoteInput) note {
	n := note{
		ID:        uuid.NewString(),
		Title:     in.Title,
		Body:      in.Body,
		Tags:      in.Tags,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.notes[n.ID] = n
	s.mu.Unlock()
	return n
}

func (s *noteStore) get(id string) (note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notes[id]
	if !ok {
		return note{}, errNoteNotFound
	}
	return n, nil
}

func (s *noteStore) delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[id]; !ok {
		return errNoteNotFound
	}
	delete(s.notes, id)
	return nil
}

func (s *noteStore) list() []note {
	s.mu.RLock()
	out := make([]note, 0, len(s.notes))
	for _, n := range s.notes {
		out = append(out, n)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func registerNotes(r *opserve.Registry, store *noteStore) error {
	notFound := opserve.DeclareError("NoteNotFound", 404, errNoteNotFound)

	if err := opserve.Register(r, "POST", "/notes", opserve.OperationSpec[createNoteInput, note]{
		Name: "CreateNote",
		Invoke: opserve.Sync(func(ictx *opserve.InvocationContext, in createNoteInput) (note, error) {
			n := store.create(in)
			ictx.Logger().InfoContext(ictx.Context(), "note created", "note_id", n.ID)
			return n, nil
		}),
		SuccessStatus: 201,
	}); err != nil {
		return err
	}

	if err := opserve.Register(r, "GET", "/notes", opserve.OperationSpec[opserve.Empty, noteList]{
		Name: "ListNotes",
		Invoke: opserve.Sync(func(_ *opserve.InvocationContext, _ opserve.Empty) (noteList, error) {
			return noteList{Notes: store.list()}, nil
		}),
	}); err != nil {
		return err
	}

	if err := opserve.Register(r, "GET", "/notes/{id}", opserve.OperationSpec[noteIDInput, note]{
		Name: "GetNote",
		Invoke: opserve.Sync(func(_ *opserve.InvocationContext, in noteIDInput) (note, error) {
			return store.get(in.ID)
		}),
		Errors: []opserve.DeclaredError{notFound},
	}); err != nil {
		return err
	}

	return opserve.Register(r, "DELETE", "/notes/{id}", opserve.OperationSpec[noteIDInput, opserve.Empty]{
		Name: "DeleteNote",
		Invoke: opserve.Sync(func(_ *opserve.InvocationContext, in noteIDInput) (opserve.Empty, error) {
			return opserve.Empty{}, store.delete(in.ID)
		}),
		Encode:        opserve.EmptyEncoder{},
		SuccessStatus: 204,
		Errors:        []opserve.DeclaredError{notFound},
	})
}
