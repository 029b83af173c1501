package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/KaramelBytes/datadash-cli/internal/app"
	cfgpkg "github.com/KaramelBytes/datadash-cli/internal/config"
	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/KaramelBytes/datadash-cli/internal/query"
	"github.com/KaramelBytes/datadash-cli/internal/store"
)

// chatApp signs in to the setupHome backend with an in-memory store and
// uploads the sample file.
func chatApp(t *testing.T) *app.App {
	t.Helper()
	backend, csvPath := setupHome(t)
	prev := cfg
	cfg = &cfgpkg.Global{StatsWaitSec: 5}
	t.Cleanup(func() { cfg = prev })

	a, err := app.New(app.Options{BaseURL: backend.BaseURL(), HTTPTimeout: 5 * time.Second, Store: store.NewMemory()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if err := a.Boot(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.Auth.Login(ctx, "ana@example.com", "secret1"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Upload(ctx, csvPath); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestChatCommands(t *testing.T) {
	a := chatApp(t)
	ctx := context.Background()

	var out, errOut bytes.Buffer
	if quit := handleChatCommand(ctx, &out, &errOut, a, "/suggest"); quit || !strings.Contains(out.String(), "Which region performed the best?") {
		t.Fatalf("unexpected /suggest output: %q", out.String())
	}

	out.Reset()
	handleChatCommand(ctx, &out, &errOut, a, "/view stats")
	if v, _ := a.Session.ActiveView(); v != model.ViewStats {
		t.Fatalf("active view = %q, want stats", v)
	}
	if !strings.Contains(out.String(), "Numeric columns") {
		t.Fatalf("stats view not rendered: %q", out.String())
	}

	errOut.Reset()
	handleChatCommand(ctx, &out, &errOut, a, "/view table")
	if !strings.Contains(errOut.String(), "invalid view") {
		t.Fatalf("expected invalid view error, got %q", errOut.String())
	}

	if quit := handleChatCommand(ctx, &out, &errOut, a, "/reset"); !quit {
		t.Fatalf("/reset should leave the chat")
	}
	if d, _ := a.Session.Dataset(); d != nil {
		t.Fatalf("/reset should clear the dataset")
	}
	if quit := handleChatCommand(ctx, &out, &errOut, a, "/QUIT"); !quit {
		t.Fatalf("/quit should leave the chat")
	}
}

func TestChatQuestionsOutliveCancelledCommand(t *testing.T) {
	a := chatApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errOut bytes.Buffer
	for _, q := range []string{"Which region performed the best?", "And the worst?"} {
		reply, err := chatSubmit(ctx, &errOut, a, q)
		if err != nil {
			t.Fatalf("%q: %v", q, err)
		}
		if reply.Content == query.FallbackMessage || !strings.Contains(reply.Content, q) {
			t.Fatalf("%q: expected a real answer, got %q", q, reply.Content)
		}
	}
	msgs, err := a.Session.Messages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected two exchanges, got %+v", msgs)
	}
}
