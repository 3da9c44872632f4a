// Package validation содержит функции валидации и форматирования номеров заказов.
package validation

import (
	"fmt"
	"regexp"
	"time"
)

// orderNumberPattern описывает формат номера родительского заказа: MKT-YYYYMMDD-NNNNN.
var orderNumberPattern = regexp.MustCompile(`^MKT-\d{8}-\d{5}$`)

// subOrderNumberPattern описывает формат номера подзаказа: {номер родителя}-VNN.
var subOrderNumberPattern = regexp.MustCompile(`^MKT-\d{8}-\d{5}-V\d{2}$`)

// FormatOrderNumber строит номер родительского заказа из даты и порядкового
// номера, выделенного счётчиком арендатора за день.
func FormatOrderNumber(day time.Time, seq int64) string {
	return fmt.Sprintf("MKT-%s-%05d", day.Format("20060102"), seq)
}

// FormatSubOrderNumber строит номер подзаказа из номера родителя и
// порядкового номера вендорской группы (нумерация с единицы).
func FormatSubOrderNumber(parentNumber string, groupIndex int) string {
	return fmt.Sprintf("%s-V%02d", parentNumber, groupIndex)
}

// IsValidOrderNumber проверяет соответствие номера заказа формату MKT-YYYYMMDD-NNNNN.
func IsValidOrderNumber(number string) bool {
	return orderNumberPattern.MatchString(number)
}

// IsValidSubOrderNumber проверяет соответствие номера подзаказа формату номера родителя с суффиксом -VNN.
func IsValidSubOrderNumber(number string) bool {
	return subOrderNumberPattern.MatchString(number)
}
