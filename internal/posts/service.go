package posts

import (
	"context"
	"errors"
	"time"

	"github.com/ozkancirak/socialapp/internal/apperror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIdentities = errors.New("identity resolver is required")
	noOpLogger           = zap.NewNop()
)

const (
	opCreatePost        = "posts.create_post"
	opGetPost           = "posts.get_post"
	opListFeed          = "posts.list_feed"
	opDeletePost        = "posts.delete_post"
	opToggleLike        = "posts.toggle_like"
	opAddComment        = "posts.add_comment"
	opListComments      = "posts.list_comments"
	opToggleCommentLike = "posts.toggle_comment_like"
)

// IdentityResolver resolves a caller's external id to the internal id that child rows reference.
type IdentityResolver interface {
	Lookup(ctx context.Context, externalID string) (string, error)
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Identities IdentityResolver
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns posts, comments and likes. Every operation resolves the caller's
// identity first and writes nothing when that fails.
type Service struct {
	db         *gorm.DB
	identities IdentityResolver
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Identities == nil {
		return nil, errMissingIdentities
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		identities: cfg.Identities,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// CreatePost stores a new post authored by the caller.
func (s *Service) CreatePost(ctx context.Context, externalID string, input PostInput) (PostView, error) {
	content, err := validateContent(opCreatePost, input.Content, MaxPostContentLength)
	if err != nil {
		return PostView{}, err
	}
	imageURL, err := validateImageURL(opCreatePost, input.ImageURL)
	if err != nil {
		return PostView{}, err
	}
	authorID, err := s.resolveCaller(ctx, opCreatePost, externalID)
	if err != nil {
		return PostView{}, err
	}

	postID, err := s.newID(opCreatePost)
	if err != nil {
		return PostView{}, err
	}
	now := s.clock().UTC()
	post := Post{
		PostID:    postID,
		AuthorID:  authorID,
		Content:   content,
		ImageURL:  imageURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		return PostView{}, s.storeFailure(opCreatePost, "post_insert_failed", err, zap.String("author_id", authorID))
	}
	return PostView{Post: post}, nil
}

// GetPost returns a single post with counters relative to the caller.
func (s *Service) GetPost(ctx context.Context, externalID, rawPostID string) (PostView, error) {
	postID, err := validateIdentifier(opGetPost, "post id", rawPostID)
	if err != nil {
		return PostView{}, err
	}
	viewerID, err := s.resolveCaller(ctx, opGetPost, externalID)
	if err != nil {
		return PostView{}, err
	}

	var post Post
	if err := s.db.WithContext(ctx).Where("post_id = ?", postID).Take(&post).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PostView{}, apperror.NotFound(opGetPost, "post", postID)
		}
		return PostView{}, s.storeFailure(opGetPost, "post_select_failed", err, zap.String("post_id", postID))
	}

	views, err := s.decoratePosts(ctx, opGetPost, viewerID, []Post{post})
	if err != nil {
		return PostView{}, err
	}
	return views[0], nil
}

// ListFeed returns the newest posts first.
func (s *Service) ListFeed(ctx context.Context, externalID string, limit int) ([]PostView, error) {
	viewerID, err := s.resolveCaller(ctx, opListFeed, externalID)
	if err != nil {
		return nil, err
	}

	var posts []Post
	if err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("post_id DESC").
		Limit(clampFeedLimit(limit)).
		Find(&posts).Error; err != nil {
		return nil, s.storeFailure(opListFeed, "query_failed", err)
	}
	return s.decoratePosts(ctx, opListFeed, viewerID, posts)
}

// DeletePost removes a post and everything hanging off it. Only the author may delete.
func (s *Service) DeletePost(ctx context.Context, externalID, rawPostID string) error {
	postID, err := validateIdentifier(opDeletePost, "post id", rawPostID)
	if err != nil {
		return err
	}
	callerID, err := s.resolveCaller(ctx, opDeletePost, externalID)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post Post
		if err := tx.Where("post_id = ?", postID).Take(&post).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperror.NotFound(opDeletePost, "post", postID)
			}
			return s.storeFailure(opDeletePost, "post_select_failed", err, zap.String("post_id", postID))
		}
		if post.AuthorID != callerID {
			return apperror.Forbidden(opDeletePost, "only the author may delete a post")
		}

		commentIDs := tx.Model(&Comment{}).Select("comment_id").Where("post_id = ?", postID)
		steps := []struct {
			reason string
			run    func() error
		}{
			{"comment_likes_delete_failed", func() error {
				return tx.Where("comment_id IN (?)", commentIDs).Delete(&CommentLike{}).Error
			}},
			{"comments_delete_failed", func() error { return tx.Where("post_id = ?", postID).Delete(&Comment{}).Error }},
			{"likes_delete_failed", func() error { return tx.Where("post_id = ?", postID).Delete(&PostLike{}).Error }},
			{"post_delete_failed", func() error { return tx.Where("post_id = ?", postID).Delete(&Post{}).Error }},
		}
		for _, step := range steps {
			if err := step.run(); err != nil {
				return s.storeFailure(opDeletePost, step.reason, err, zap.String("post_id", postID))
			}
		}
		return nil
	})
}

// ToggleLike likes the post if the caller has not liked it yet, otherwise removes the like.
func (s *Service) ToggleLike(ctx context.Context, externalID, rawPostID string) (LikeOutcome, error) {
	postID, err := validateIdentifier(opToggleLike, "post id", rawPostID)
	if err != nil {
		return LikeOutcome{}, err
	}
	userID, err := s.resolveCaller(ctx, opToggleLike, externalID)
	if err != nil {
		return LikeOutcome{}, err
	}

	outcome := LikeOutcome{TargetID: postID, ActorID: userID}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post Post
		if err := tx.Where("post_id = ?", postID).Take(&post).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperror.NotFound(opToggleLike, "post", postID)
			}
			return s.storeFailure(opToggleLike, "post_select_failed", err, zap.String("post_id", postID))
		}
		outcome.OwnerID = post.AuthorID

		removed := tx.Where("post_id = ? AND user_id = ?", postID, userID).Delete(&PostLike{})
		if removed.Error != nil {
			return s.storeFailure(opToggleLike, "like_delete_failed", removed.Error, zap.String("post_id", postID))
		}
		if removed.RowsAffected == 0 {
			like := PostLike{PostID: postID, UserID: userID, CreatedAt: s.clock().UTC()}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&like).Error; err != nil {
				return s.storeFailure(opToggleLike, "like_insert_failed", err, zap.String("post_id", postID))
			}
			outcome.Liked = true
		}

		if err := tx.Model(&PostLike{}).Where("post_id = ?", postID).Count(&outcome.LikeCount).Error; err != nil {
			return s.storeFailure(opToggleLike, "like_count_failed", err, zap.String("post_id", postID))
		}
		return nil
	})
	if txErr != nil {
		return LikeOutcome{}, txErr
	}
	return outcome, nil
}

// AddComment appends a comment to a post.
func (s *Service) AddComment(ctx context.Context, externalID, rawPostID, rawContent string) (CommentOutcome, error) {
	postID, err := validateIdentifier(opAddComment, "post id", rawPostID)
	if err != nil {
		return CommentOutcome{}, err
	}
	content, err := validateContent(opAddComment, rawContent, MaxCommentContentLength)
	if err != nil {
		return CommentOutcome{}, err
	}
	authorID, err := s.resolveCaller(ctx, opAddComment, externalID)
	if err != nil {
		return CommentOutcome{}, err
	}
	commentID, err := s.newID(opAddComment)
	if err != nil {
		return CommentOutcome{}, err
	}

	var outcome CommentOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post Post
		if err := tx.Where("post_id = ?", postID).Take(&post).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperror.NotFound(opAddComment, "post", postID)
			}
			return s.storeFailure(opAddComment, "post_select_failed", err, zap.String("post_id", postID))
		}
		comment := Comment{
			CommentID: commentID,
			PostID:    postID,
			AuthorID:  authorID,
			Content:   content,
			CreatedAt: s.clock().UTC(),
		}
		if err := tx.Create(&comment).Error; err != nil {
			return s.storeFailure(opAddComment, "comment_insert_failed", err, zap.String("post_id", postID))
		}
		outcome = CommentOutcome{
			Comment:      CommentView{Comment: comment},
			PostAuthorID: post.AuthorID,
		}
		return nil
	})
	if txErr != nil {
		return CommentOutcome{}, txErr
	}
	return outcome, nil
}

// ListComments returns a post's comments oldest first.
func (s *Service) ListComments(ctx context.Context, externalID, rawPostID string) ([]CommentView, error) {
	postID, err := validateIdentifier(opListComments, "post id", rawPostID)
	if err != nil {
		return nil, err
	}
	viewerID, err := s.resolveCaller(ctx, opListComments, externalID)
	if err != nil {
		return nil, err
	}

	var comments []Comment
	if err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("created_at ASC").
		Order("comment_id ASC").
		Find(&comments).Error; err != nil {
		return nil, s.storeFailure(opListComments, "query_failed", err, zap.String("post_id", postID))
	}
	if len(comments) == 0 {
		return []CommentView{}, nil
	}

	commentIDs := make([]string, 0, len(comments))
	for _, comment := range comments {
		commentIDs = append(commentIDs, comment.CommentID)
	}
	likeCounts, err := s.countBy(ctx, &CommentLike{}, "comment_id", commentIDs)
	if err != nil {
		return nil, s.storeFailure(opListComments, "like_count_failed", err, zap.String("post_id", postID))
	}
	liked, err := s.likedBy(ctx, &CommentLike{}, "comment_id", viewerID, commentIDs)
	if err != nil {
		return nil, s.storeFailure(opListComments, "liked_lookup_failed", err, zap.String("post_id", postID))
	}

	views := make([]CommentView, 0, len(comments))
	for _, comment := range comments {
		views = append(views, CommentView{
			Comment:       comment,
			LikeCount:     likeCounts[comment.CommentID],
			LikedByViewer: liked[comment.CommentID],
		})
	}
	return views, nil
}

// ToggleCommentLike likes or unlikes a comment for the caller.
func (s *Service) ToggleCommentLike(ctx context.Context, externalID, rawCommentID string) (LikeOutcome, error) {
	commentID, err := validateIdentifier(opToggleCommentLike, "comment id", rawCommentID)
	if err != nil {
		return LikeOutcome{}, err
	}
	userID, err := s.resolveCaller(ctx, opToggleCommentLike, externalID)
	if err != nil {
		return LikeOutcome{}, err
	}

	outcome := LikeOutcome{TargetID: commentID, ActorID: userID}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var comment Comment
		if err := tx.Where("comment_id = ?", commentID).Take(&comment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperror.NotFound(opToggleCommentLike, "comment", commentID)
			}
			return s.storeFailure(opToggleCommentLike, "comment_select_failed", err, zap.String("comment_id", commentID))
		}
		outcome.OwnerID = comment.AuthorID

		removed := tx.Where("comment_id = ? AND user_id = ?", commentID, userID).Delete(&CommentLike{})
		if removed.Error != nil {
			return s.storeFailure(opToggleCommentLike, "like_delete_failed", removed.Error, zap.String("comment_id", commentID))
		}
		if removed.RowsAffected == 0 {
			like := CommentLike{CommentID: commentID, UserID: userID, CreatedAt: s.clock().UTC()}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&like).Error; err != nil {
				return s.storeFailure(opToggleCommentLike, "like_insert_failed", err, zap.String("comment_id", commentID))
			}
			outcome.Liked = true
		}

		if err := tx.Model(&CommentLike{}).Where("comment_id = ?", commentID).Count(&outcome.LikeCount).Error; err != nil {
			return s.storeFailure(opToggleCommentLike, "like_count_failed", err, zap.String("comment_id", commentID))
		}
		return nil
	})
	if txErr != nil {
		return LikeOutcome{}, txErr
	}
	return outcome, nil
}

// resolveCaller is the dependent-write guard: child rows only ever receive the resolved internal id.
func (s *Service) resolveCaller(ctx context.Context, operation, externalID string) (string, error) {
	internalID, err := s.identities.Lookup(ctx, externalID)
	if err != nil {
		s.loggerOrDefault().Info("caller identity unresolved",
			zap.String("operation", operation),
			zap.String("reason", string(apperror.KindOf(err))),
			zap.Error(err))
		return "", err
	}
	if internalID == "" {
		return "", apperror.UnresolvedIdentity(operation, externalID)
	}
	return internalID, nil
}

func (s *Service) decoratePosts(ctx context.Context, operation, viewerID string, posts []Post) ([]PostView, error) {
	if len(posts) == 0 {
		return []PostView{}, nil
	}
	postIDs := make([]string, 0, len(posts))
	for _, post := range posts {
		postIDs = append(postIDs, post.PostID)
	}

	likeCounts, err := s.countBy(ctx, &PostLike{}, "post_id", postIDs)
	if err != nil {
		return nil, s.storeFailure(operation, "like_count_failed", err)
	}
	commentCounts, err := s.countBy(ctx, &Comment{}, "post_id", postIDs)
	if err != nil {
		return nil, s.storeFailure(operation, "comment_count_failed", err)
	}
	liked, err := s.likedBy(ctx, &PostLike{}, "post_id", viewerID, postIDs)
	if err != nil {
		return nil, s.storeFailure(operation, "liked_lookup_failed", err)
	}

	views := make([]PostView, 0, len(posts))
	for _, post := range posts {
		views = append(views, PostView{
			Post:          post,
			LikeCount:     likeCounts[post.PostID],
			CommentCount:  commentCounts[post.PostID],
			LikedByViewer: liked[post.PostID],
		})
	}
	return views, nil
}

type groupCount struct {
	Key   string `gorm:"column:group_key"`
	Total int64  `gorm:"column:total"`
}

func (s *Service) countBy(ctx context.Context, model interface{}, column string, keys []string) (map[string]int64, error) {
	var rows []groupCount
	if err := s.db.WithContext(ctx).
		Model(model).
		Select(column+" AS group_key, COUNT(*) AS total").
		Where(column+" IN ?", keys).
		Group(column).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Key] = row.Total
	}
	return counts, nil
}

func (s *Service) likedBy(ctx context.Context, model interface{}, column, userID string, keys []string) (map[string]bool, error) {
	var matched []string
	if err := s.db.WithContext(ctx).
		Model(model).
		Where("user_id = ? AND "+column+" IN ?", userID, keys).
		Pluck(column, &matched).Error; err != nil {
		return nil, err
	}
	liked := make(map[string]bool, len(matched))
	for _, key := range matched {
		liked[key] = true
	}
	return liked, nil
}

func (s *Service) newID(operation string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return "", s.storeFailure(operation, "id_generation_failed", err)
	}
	return id, nil
}

func (s *Service) storeFailure(operation, reason string, err error, fields ...zap.Field) error {
	if apperror.KindOf(err) != "" {
		return err
	}
	s.logError(operation, reason, err, fields...)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperror.Timeout(operation, err)
	}
	return apperror.New(apperror.KindReconciliationError, operation, reason, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("posts service error", attrs...)
}
