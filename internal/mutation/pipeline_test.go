package mutation

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/comments/internal/cache"
	"github.com/xiaot623/gogo/comments/internal/domain"
	"github.com/xiaot623/gogo/comments/internal/hub"
	"github.com/xiaot623/gogo/comments/internal/media"
	"github.com/xiaot623/gogo/comments/internal/policy"
	"github.com/xiaot623/gogo/comments/internal/query"
	store "github.com/xiaot623/gogo/comments/internal/repository"
	"github.com/xiaot623/gogo/comments/mocks"
	"github.com/xiaot623/gogo/comments/tests/helpers"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev hub.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	store    *store.SQLiteStore
	layer    *cache.Layer
	pub      *recordingPublisher
	pipeline *Pipeline
	engine   *query.Engine
	root     string
	alice    domain.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := helpers.NewTestSQLiteStore(t)
	layer := cache.NewLayer(cache.NewMemoryCache(), 0)
	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	root := t.TempDir()
	images, err := media.NewDiskStore(root)
	require.NoError(t, err)
	pub := &recordingPublisher{}

	return &fixture{
		store:    s,
		layer:    layer,
		pub:      pub,
		pipeline: New(s, layer, pub, pol, media.NewProcessor(0, 0, 0), images, ""),
		engine:   query.NewEngine(s, layer, 100, 0),
		root:     root,
		alice:    domain.NewPrincipal(helpers.CreateUser(t, s, "alice")),
	}
}

func (f *fixture) topLevelCount(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountTopLevel(context.Background())
	require.NoError(t, err)
	return n
}

func pngURI(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func strPtr(s string) *string { return &s }

func TestCreateCommentRejectsEmptyText(t *testing.T) {
	f := newFixture(t)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := f.pipeline.CreateComment(context.Background(), f.alice, Request{Text: text})
		var verr *domain.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "Comment text cannot be empty", verr.Message)
	}
	assert.Equal(t, 0, f.topLevelCount(t))
	assert.Equal(t, 0, f.pub.count())
}

func TestCreateCommentRequiresAuthentication(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.CreateComment(context.Background(), domain.Anonymous, Request{Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Equal(t, 0, f.topLevelCount(t))
}

func TestCreateCommentPolicy(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.CreateComment(context.Background(), f.alice, Request{Text: strings.Repeat("x", domain.MaxTextLength+1)})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "Comment text is too long.", verr.Message)

	_, err = f.pipeline.CreateComment(context.Background(), f.alice, Request{Text: "hi", HomePage: strPtr("javascript:alert(1)")})
	require.True(t, errors.As(err, &verr))

	c, err := f.pipeline.CreateComment(context.Background(), f.alice, Request{Text: "hi", HomePage: strPtr("")})
	require.NoError(t, err)
	assert.Nil(t, c.HomePage)
	assert.Equal(t, 1, f.topLevelCount(t))
}

func TestCreateCommentWithoutPolicyStillChecksHomePage(t *testing.T) {
	f := newFixture(t)
	p := New(f.store, f.layer, f.pub, nil, nil, nil, "")

	_, err := p.CreateComment(context.Background(), f.alice, Request{Text: "hi", HomePage: strPtr("javascript:alert(1)")})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, policy.ReasonBadHomePage, verr.Message)
	assert.Equal(t, 0, f.topLevelCount(t))

	c, err := p.CreateComment(context.Background(), f.alice, Request{Text: "hi", HomePage: strPtr("https://example.com")})
	require.NoError(t, err)
	require.NotNil(t, c.HomePage)
	assert.Equal(t, "https://example.com", *c.HomePage)
}

func TestCreateCommentMissingReplyTarget(t *testing.T) {
	f := newFixture(t)
	missing := int64(999)

	_, err := f.pipeline.CreateComment(context.Background(), f.alice, Request{Text: "hi", ReplyID: &missing})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, f.topLevelCount(t))
	assert.Equal(t, 0, f.pub.count())
}

func TestCreateCommentInvalidatesAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.engine.ListTopLevel(ctx, domain.DefaultListQuery())
	require.NoError(t, err)
	_, err = f.engine.RenderPage(ctx, domain.DefaultListQuery())
	require.NoError(t, err)

	q := domain.ListQuery{Page: 2, PageSize: 5, SortBy: domain.SortByEmail, SortOrder: domain.SortAsc}
	c, err := f.pipeline.CreateComment(ctx, f.alice, Request{Text: "hello", SessionID: "s-1", Query: q})
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Username)
	assert.Empty(t, before.Comments)

	require.Equal(t, 1, f.pub.count())
	ev := f.pub.events[0]
	assert.Equal(t, hub.DefaultRoom, ev.Room)
	assert.Equal(t, "s-1", ev.Origin)
	assert.Equal(t, q, ev.Query)

	frame, err := f.engine.RenderPage(ctx, domain.DefaultListQuery())
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"text":"hello"`)
}

func TestCreateReplyNestsUnderParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent, err := f.pipeline.CreateComment(ctx, f.alice, Request{Text: "parent"})
	require.NoError(t, err)
	reply, err := f.pipeline.CreateComment(ctx, f.alice, Request{Text: "child", ReplyID: &parent.ID})
	require.NoError(t, err)

	page, err := f.engine.ListTopLevel(ctx, domain.DefaultListQuery())
	require.NoError(t, err)
	require.Len(t, page.Comments, 1)
	assert.Equal(t, parent.ID, page.Comments[0].ID)
	require.Len(t, page.Comments[0].Replies, 1)
	assert.Equal(t, reply.ID, page.Comments[0].Replies[0].ID)
}

func TestCreateCommentWithImage(t *testing.T) {
	f := newFixture(t)

	c, err := f.pipeline.CreateComment(context.Background(), f.alice, Request{Text: "look", Image: strPtr(pngURI(t, 800, 600))})
	require.NoError(t, err)
	require.NotNil(t, c.Image)
	assert.True(t, strings.HasPrefix(*c.Image, "chat/images/image_"))

	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(*c.Image)))
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 240, cfg.Height)
}

func TestCreateCommentRejectsInvalidImage(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.CreateComment(context.Background(), f.alice, Request{Text: "look", Image: strPtr("data:image/png;base64,aGVsbG8=")})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, media.ErrTextInvalidFile, verr.Message)
	assert.Equal(t, 0, f.topLevelCount(t))
}

func TestCreateCommentStoreFailureRemovesImage(t *testing.T) {
	ctrl := gomock.NewController(t)
	ms := mocks.NewMockStore(ctrl)
	mi := mocks.NewMockImageStore(ctrl)
	pub := &recordingPublisher{}
	p := New(ms, cache.NewLayer(cache.NewMemoryCache(), 0), pub, nil, nil, mi, "")
	alice := domain.NewPrincipal(domain.User{ID: 1, Username: "alice"})

	gomock.InOrder(
		mi.EXPECT().Save(gomock.Any(), gomock.Any()).Return("chat/images/image_x.png", nil),
		ms.EXPECT().CreateComment(gomock.Any(), gomock.AssignableToTypeOf(domain.NewComment{})).Return(nil, errors.New("db down")),
		mi.EXPECT().Delete(gomock.Any(), "chat/images/image_x.png").Return(nil),
	)

	_, err := p.CreateComment(context.Background(), alice, Request{Text: "hi", Image: strPtr(pngURI(t, 10, 10))})
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.Equal(t, 0, pub.count())
}

func TestCreateCommentLookupFailureIsInternal(t *testing.T) {
	ctrl := gomock.NewController(t)
	ms := mocks.NewMockStore(ctrl)
	p := New(ms, cache.NewLayer(cache.NewMemoryCache(), 0), &recordingPublisher{}, nil, nil, nil, "")
	parent := int64(7)

	ms.EXPECT().GetComment(gomock.Any(), parent).Return(nil, errors.New("db down"))

	_, err := p.CreateComment(context.Background(), domain.NewPrincipal(domain.User{ID: 1}), Request{Text: "hi", ReplyID: &parent})
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.False(t, errors.Is(err, domain.ErrNotFound))
}

func TestCreateCommentSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.CreateComment(ctx, f.alice, Request{Text: "late"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.topLevelCount(t))
}

func TestDeleteCommentCascadesAndRemovesImages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent, err := f.pipeline.CreateComment(ctx, f.alice, Request{Text: "parent"})
	require.NoError(t, err)
	reply, err := f.pipeline.CreateComment(ctx, f.alice, Request{Text: "child", ReplyID: &parent.ID, Image: strPtr(pngURI(t, 10, 10))})
	require.NoError(t, err)
	path := filepath.Join(f.root, filepath.FromSlash(*reply.Image))
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.DeleteComment(ctx, parent.ID))

	assert.Equal(t, 0, f.topLevelCount(t))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 3, f.pub.count())

	assert.ErrorIs(t, f.pipeline.DeleteComment(ctx, parent.ID), domain.ErrNotFound)
}

func TestRefreshPublishesWithoutOrigin(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.pipeline.Refresh(context.Background()))
	require.Equal(t, 1, f.pub.count())
	assert.Empty(t, f.pub.events[0].Origin)
}
