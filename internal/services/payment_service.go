package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/markdave123-py/chatrelay/internal/core"
	"github.com/markdave123-py/chatrelay/internal/models"
)

// PaymentService records and reports the signals that unlock a guest's
// conversation. It never sees provider payloads, only the projection.
type PaymentService struct {
	db     core.DbClient
	logger *slog.Logger
}

func NewPaymentService(db core.DbClient, logger *slog.Logger) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentService{db: db, logger: logger}
}

func (s *PaymentService) Status(ctx context.Context, guestID string) (*models.PaymentSignals, error) {
	if guestID == "" {
		return nil, errors.New("guest id is required")
	}
	return s.db.GetPaymentSignals(ctx, guestID)
}

func (s *PaymentService) Mark(ctx context.Context, guestID string, signal core.PaymentSignal) error {
	if guestID == "" {
		return errors.New("guest id is required")
	}
	if err := s.db.MarkPaymentSignal(ctx, guestID, signal); err != nil {
		return err
	}
	s.logger.Info("payment signal recorded", "guest_id", guestID, "signal", signal)
	return nil
}
