// Package service реализует бизнес-логику ядра расчётов: разбиение заказов
// по вендорам, кошельки с журналом операций и сверку офлайн-продаж.
package service

import "errors"

// ErrInvalidInput возвращается при отсутствующих или некорректных входных данных.
var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrAccessDenied возвращается, если вендор пытается изменить чужой подзаказ.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса подзаказа.
	ErrInvalidTransition = errors.New("invalid status transition")
)
