package main

import (
	"testing"

	"github.com/quillworks/quill/config"
	"github.com/quillworks/quill/session"
)

func TestOpenSessionNewAndResume(t *testing.T) {
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{DefaultMode: "default"}

	sess, err := openSession(store, cfg, "test-model", "")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if sess.Model != "test-model" || sess.Mode != "default" {
		t.Errorf("session = %+v", sess)
	}

	if err := store.AppendTurn(sess.ID, session.NewUserTurn("hi")); err != nil {
		t.Fatal(err)
	}

	resumed, err := openSession(store, cfg, "test-model", sess.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ID != sess.ID || len(resumed.Turns) != 1 {
		t.Errorf("resumed = %+v", resumed)
	}
}

func TestOpenSessionUnknownID(t *testing.T) {
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := openSession(store, &config.Config{}, "m", "does-not-exist"); err == nil {
		t.Errorf("resuming an unknown session must fail")
	}
}
