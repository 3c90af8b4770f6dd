package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aeolun/convoice/pkg/store"
)

// AddMember registers a member in the database and the live table.
func (s *Server) AddMember(ctx context.Context, m Member) error {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()
	if err := s.syncMembers(ctx); err != nil {
		return err
	}
	if _, ok := s.members.Get(m.Username); ok {
		return ErrMemberExists
	}
	if s.store != nil {
		if err := s.store.PutMember(ctx, store.Member(m)); err != nil {
			return err
		}
	}
	return s.members.Add(m)
}

// ModifyMember renames a member and replaces their password in the database
// and the live table.
func (s *Server) ModifyMember(ctx context.Context, username, newUsername, password string) error {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()
	if err := s.syncMembers(ctx); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.ModifyMember(ctx, username, newUsername, password); err != nil {
			return memberError(err)
		}
	}
	return s.members.Modify(username, newUsername, password)
}

// DeleteMember removes a member from the database and the live table.
// Connected sessions keep their role until they reconnect.
func (s *Server) DeleteMember(ctx context.Context, username string) error {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()
	if err := s.syncMembers(ctx); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.DeleteMember(ctx, username); err != nil {
			return memberError(err)
		}
	}
	return s.members.Delete(username)
}

func memberError(err error) error {
	switch {
	case errors.Is(err, store.ErrMemberNotFound):
		return ErrMemberNotFound
	case errors.Is(err, store.ErrMemberExists):
		return ErrMemberExists
	}
	return err
}

// adminRoutes mounts member administration on the internal mux. Passwords are
// accepted but never listed.
func (s *Server) adminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /members", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		for _, m := range s.members.List() {
			fmt.Fprintf(w, "%s\t%s\n", m.Username, m.Nickname)
		}
	})

	mux.HandleFunc("POST /members", func(w http.ResponseWriter, r *http.Request) {
		m := Member{
			Username: r.FormValue("username"),
			Password: r.FormValue("password"),
			Nickname: r.FormValue("nickname"),
		}
		if m.Username == "" {
			http.Error(w, "username is required", http.StatusBadRequest)
			return
		}
		if err := s.AddMember(r.Context(), m); err != nil {
			s.adminError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("PUT /members/{username}", func(w http.ResponseWriter, r *http.Request) {
		username := r.PathValue("username")
		newUsername := r.FormValue("username")
		if newUsername == "" {
			newUsername = username
		}
		if err := s.ModifyMember(r.Context(), username, newUsername, r.FormValue("password")); err != nil {
			s.adminError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /members/{username}", func(w http.ResponseWriter, r *http.Request) {
		if err := s.DeleteMember(r.Context(), r.PathValue("username")); err != nil {
			s.adminError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) adminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMemberExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrMemberNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.log.Error().Err(err).Msg("member administration failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
