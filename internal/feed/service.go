// Package feed persists notifications and per-recipient delivery state for the reference API.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marquee/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxTitleLength  = 320
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingTitle      = errors.New("title is required")
	errTitleTooLong      = errors.New("title exceeds maximum length")
	errMissingRecipients = errors.New("at least one recipient is required")
	errMissingCategory   = errors.New("category is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "feed.service.new"
	opCreate            = "feed.create"
	opList              = "feed.list"
	opMarkAllSeen       = "feed.mark_all_seen"
	opMarkCategoryRead  = "feed.mark_category_read"
	reasonInvalidInput  = "invalid_input"
	reasonQueryFailed   = "query_failed"
	reasonUpdateFailed  = "update_failed"
	reasonMissingUserID = "missing_user_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IsInvalidInput reports whether err was caused by caller input rather than storage.
func IsInvalidInput(err error) bool {
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return false
	}
	return strings.HasSuffix(serviceErr.code, "."+reasonInvalidInput) ||
		strings.HasSuffix(serviceErr.code, "."+reasonMissingUserID)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateRequest describes a back-office notification.
type CreateRequest struct {
	Category   notifications.Category
	Title      string
	Message    string
	Recipients []string
}

// Created is a stored notification together with its normalized recipient list.
type Created struct {
	Notification notifications.Notification
	Recipients   []string
}

// Query selects one page of a user's feed; an empty Category returns every kind.
type Query struct {
	Page     int
	Size     int
	Category notifications.Category
}

// Page is one window of a user's feed, newest first.
type Page struct {
	Notifications []notifications.Notification
	Page          int
	Size          int
	Total         int64
}

// Create stores a notification and one delivery per distinct recipient.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Created, error) {
	title := strings.TrimSpace(request.Title)
	if title == "" {
		return Created{}, newServiceError(opCreate, reasonInvalidInput, errMissingTitle)
	}
	if len(title) > maxTitleLength {
		return Created{}, newServiceError(opCreate, reasonInvalidInput, errTitleTooLong)
	}
	category := notifications.ParseCategory(string(request.Category))
	recipients := normalizeRecipients(request.Recipients)
	if len(recipients) == 0 {
		return Created{}, newServiceError(opCreate, reasonInvalidInput, errMissingRecipients)
	}

	notificationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Created{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	createdAt := s.clock().UTC()
	record := Notification{
		ID:              notificationID,
		Category:        string(category),
		Title:           title,
		Message:         strings.TrimSpace(request.Message),
		CreatedAtMillis: createdAt.UnixMilli(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opCreate, "notification_insert_failed", err, zap.String("notification_id", notificationID))
			return newServiceError(opCreate, "notification_insert_failed", err)
		}
		deliveries := make([]Delivery, 0, len(recipients))
		for _, recipient := range recipients {
			deliveries = append(deliveries, Delivery{NotificationID: notificationID, UserID: recipient})
		}
		if err := tx.Create(&deliveries).Error; err != nil {
			s.logError(opCreate, "delivery_insert_failed", err, zap.String("notification_id", notificationID))
			return newServiceError(opCreate, "delivery_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Created{}, txErr
	}

	s.logger.Info("notification created",
		zap.String("notification_id", notificationID),
		zap.String("category", string(category)),
		zap.Int("recipients", len(recipients)))

	return Created{
		Notification: toView(record, false, []string{}),
		Recipients:   recipients,
	}, nil
}

type feedRow struct {
	ID              string
	Category        string
	Title           string
	Message         string
	CreatedAtMillis int64
	Seen            bool
}

// List returns the user's feed newest first with readBy drawn from every recipient.
func (s *Service) List(ctx context.Context, userID string, query Query) (Page, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Page{}, newServiceError(opList, reasonMissingUserID, errMissingUserID)
	}
	page := query.Page
	if page <= 0 {
		page = 1
	}
	size := query.Size
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	scoped := func() *gorm.DB {
		tx := s.db.WithContext(ctx).
			Table("notifications AS n").
			Joins("JOIN notification_deliveries AS d ON d.notification_id = n.id").
			Where("d.user_id = ?", userID)
		if query.Category != "" {
			tx = tx.Where("n.category = ?", string(notifications.ParseCategory(string(query.Category))))
		}
		return tx
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String("user_id", userID))
		return Page{}, newServiceError(opList, reasonQueryFailed, err)
	}

	var rows []feedRow
	if err := scoped().
		Select("n.id AS id, n.category AS category, n.title AS title, n.message AS message, n.created_at_ms AS created_at_millis, d.seen AS seen").
		Order("n.created_at_ms DESC, n.id DESC").
		Limit(size).
		Offset((page - 1) * size).
		Scan(&rows).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String("user_id", userID))
		return Page{}, newServiceError(opList, reasonQueryFailed, err)
	}

	readers, err := s.readersFor(ctx, rows)
	if err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String("user_id", userID))
		return Page{}, newServiceError(opList, reasonQueryFailed, err)
	}

	items := make([]notifications.Notification, 0, len(rows))
	for _, row := range rows {
		record := Notification{
			ID:              row.ID,
			Category:        row.Category,
			Title:           row.Title,
			Message:         row.Message,
			CreatedAtMillis: row.CreatedAtMillis,
		}
		readBy := readers[row.ID]
		if readBy == nil {
			readBy = []string{}
		}
		items = append(items, toView(record, row.Seen, readBy))
	}

	return Page{Notifications: items, Page: page, Size: size, Total: total}, nil
}

// MarkAllSeen flags every delivery of the user as seen.
func (s *Service) MarkAllSeen(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return newServiceError(opMarkAllSeen, reasonMissingUserID, errMissingUserID)
	}
	result := s.db.WithContext(ctx).
		Model(&Delivery{}).
		Where("user_id = ? AND seen = ?", userID, false).
		Update("seen", true)
	if result.Error != nil {
		s.logError(opMarkAllSeen, reasonUpdateFailed, result.Error, zap.String("user_id", userID))
		return newServiceError(opMarkAllSeen, reasonUpdateFailed, result.Error)
	}
	s.logger.Debug("deliveries marked seen", zap.String("user_id", userID), zap.Int64("rows", result.RowsAffected))
	return nil
}

// MarkCategoryRead records the user as a reader of every unread item in the category.
func (s *Service) MarkCategoryRead(ctx context.Context, userID string, category notifications.Category) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return newServiceError(opMarkCategoryRead, reasonMissingUserID, errMissingUserID)
	}
	if strings.TrimSpace(string(category)) == "" {
		return newServiceError(opMarkCategoryRead, reasonInvalidInput, errMissingCategory)
	}
	normalized := notifications.ParseCategory(string(category))
	readAt := s.clock().UTC().UnixMilli()

	categoryIDs := s.db.Model(&Notification{}).Select("id").Where("category = ?", string(normalized))
	result := s.db.WithContext(ctx).
		Model(&Delivery{}).
		Where("user_id = ? AND read_at_ms = 0 AND notification_id IN (?)", userID, categoryIDs).
		Updates(map[string]interface{}{"read_at_ms": readAt, "seen": true})
	if result.Error != nil {
		s.logError(opMarkCategoryRead, reasonUpdateFailed, result.Error,
			zap.String("user_id", userID),
			zap.String("category", string(normalized)))
		return newServiceError(opMarkCategoryRead, reasonUpdateFailed, result.Error)
	}
	return nil
}

func (s *Service) readersFor(ctx context.Context, rows []feedRow) (map[string][]string, error) {
	if len(rows) == 0 {
		return map[string][]string{}, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var deliveries []Delivery
	if err := s.db.WithContext(ctx).
		Where("notification_id IN ? AND read_at_ms > 0", ids).
		Order("read_at_ms ASC, user_id ASC").
		Find(&deliveries).Error; err != nil {
		return nil, err
	}
	readers := make(map[string][]string, len(rows))
	for _, delivery := range deliveries {
		readers[delivery.NotificationID] = append(readers[delivery.NotificationID], delivery.UserID)
	}
	return readers, nil
}

func toView(record Notification, seen bool, readBy []string) notifications.Notification {
	return notifications.Notification{
		ID:        record.ID,
		Type:      notifications.ParseCategory(record.Category),
		Title:     record.Title,
		Message:   record.Message,
		CreatedAt: time.UnixMilli(record.CreatedAtMillis).UTC(),
		ReadBy:    readBy,
		IsSeen:    seen,
	}
}

func normalizeRecipients(raw []string) []string {
	unique := make(map[string]struct{}, len(raw))
	for _, value := range raw {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		unique[trimmed] = struct{}{}
	}
	if len(unique) == 0 {
		return nil
	}
	recipients := make([]string, 0, len(unique))
	for recipient := range unique {
		recipients = append(recipients, recipient)
	}
	sort.Strings(recipients)
	return recipients
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
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
	s.loggerOrDefault().Error("feed service error", attrs...)
}
