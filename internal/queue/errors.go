package queue

import (
	"errors"

	"github.com/LeventeLantos/staged-messaging/internal/model"
)

var (
	ErrNotFound          = errors.New("staged message not found")
	ErrInFlight          = errors.New("message is being sent")
	ErrInvalidTransition = model.ErrInvalidTransition
	ErrContentTooShort   = errors.New("content too short")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrStopped           = errors.New("queue stopped")
)
