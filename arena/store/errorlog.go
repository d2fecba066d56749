package store

import (
	"context"
	"fmt"

	"github.com/BaSui01/arena/llm"
	"gorm.io/gorm"
)

// ErrorLogSink 把 Provider 错误写入 provider_error_logs 表，实现 llm.ErrorSink
type ErrorLogSink struct {
	db *gorm.DB
}

// NewErrorLogSink 创建错误日志 Sink
func NewErrorLogSink(db *gorm.DB) *ErrorLogSink {
	return &ErrorLogSink{db: db}
}

// WriteError 写入一条记录
func (s *ErrorLogSink) WriteError(ctx context.Context, rec llm.ErrorRecord) error {
	row := &ProviderErrorLogRow{
		Provider:        rec.Provider,
		Model:           rec.Model,
		Code:            string(rec.Code),
		Message:         rec.Message,
		HTTPStatus:      rec.HTTPStatus,
		RequestID:       rec.RequestID,
		Method:          rec.Method,
		URL:             rec.URL,
		PolicyViolation: rec.PolicyViolation,
		OccurredAt:      rec.OccurredAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("write provider error log: %w", err)
	}
	return nil
}

var _ llm.ErrorSink = (*ErrorLogSink)(nil)
