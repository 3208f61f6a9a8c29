// Package execution координирует двуногие торговые операции:
// открытие, закрытие, хедж и аварийное закрытие парных позиций.
package execution

import "fundingarb/internal/models"

// ValidTransitions определяет допустимые переходы статуса позиции
var ValidTransitions = map[string][]string{
	models.PositionStatusOpening: {
		models.PositionStatusOpen,
		models.PositionStatusOpenFailed,
		models.PositionStatusRiskExposed,
	},
	models.PositionStatusOpen: {
		models.PositionStatusClosed,
		models.PositionStatusRiskExposed,
		models.PositionStatusCloseFailed,
	},
	models.PositionStatusCloseFailed: {
		models.PositionStatusClosed,
		models.PositionStatusRiskExposed,
	},
	models.PositionStatusRiskExposed: {
		models.PositionStatusClosed,
	},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// EmergencyCloseStatuses - статусы позиций, попадающих под аварийное
// закрытие. open_failed и closed не несут остаточной экспозиции.
var EmergencyCloseStatuses = []string{
	models.PositionStatusOpen,
	models.PositionStatusRiskExposed,
	models.PositionStatusCloseFailed,
}

// CanClose возвращает true если позицию в данном статусе можно закрывать
func CanClose(status string) bool {
	return CanTransition(status, models.PositionStatusClosed)
}

// IsTerminal возвращает true для конечных статусов без экспозиции
func IsTerminal(status string) bool {
	return status == models.PositionStatusClosed || status == models.PositionStatusOpenFailed
}

// StatusInfo возвращает описание статуса для UI
func StatusInfo(status string) string {
	switch status {
	case models.PositionStatusOpening:
		return "Выставление ног..."
	case models.PositionStatusOpen:
		return "Обе ноги открыты"
	case models.PositionStatusClosed:
		return "Позиция закрыта"
	case models.PositionStatusOpenFailed:
		return "Открытие не удалось, экспозиции нет"
	case models.PositionStatusCloseFailed:
		return "Закрытие не удалось, требуется повтор"
	case models.PositionStatusRiskExposed:
		return "Односторонняя экспозиция! Требуется вмешательство"
	default:
		return "Неизвестный статус"
	}
}
