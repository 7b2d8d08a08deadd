package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/ozkancirak/socialapp/internal/auth"
	"github.com/ozkancirak/socialapp/internal/posts"
	"github.com/ozkancirak/socialapp/internal/users"
	"github.com/ozkancirak/socialapp/internal/webhooks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testApp struct {
	db         *gorm.DB
	sessions   *auth.SessionValidator
	reconciler *users.Reconciler
	realtime   *RealtimeDispatcher
	handler    http.Handler
}

type stubWebhookProcessor struct {
	outcome webhooks.Outcome
	err     error
	bodies  [][]byte
}

func (s *stubWebhookProcessor) Handle(_ context.Context, _ http.Header, body []byte) (webhooks.Outcome, error) {
	s.bodies = append(s.bodies, body)
	return s.outcome, s.err
}

func newTestApp(t *testing.T, processor WebhookProcessor) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&users.User{}, &posts.Post{}, &posts.PostLike{}, &posts.Comment{}, &posts.CommentLike{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := users.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	reconciler, err := users.NewReconciler(users.ReconcilerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to build reconciler: %v", err)
	}
	postsService, err := posts.NewService(posts.ServiceConfig{Database: db, Identities: reconciler})
	if err != nil {
		t.Fatalf("failed to build posts service: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte("test-signing-secret")})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	if processor == nil {
		processor = &stubWebhookProcessor{}
	}

	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:   sessions,
		Identities: reconciler,
		Webhooks:   processor,
		Posts:      postsService,
		Realtime:   realtime,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testApp{db: db, sessions: sessions, reconciler: reconciler, realtime: realtime, handler: handler}
}

func (a *testApp) token(t *testing.T, input auth.SessionTokenInput) string {
	t.Helper()
	token, err := a.sessions.IssueToken(input)
	if err != nil {
		t.Fatalf("failed to issue session token: %v", err)
	}
	return token
}
