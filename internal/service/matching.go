package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/tanglemarket-system/internal/model"
	"github.com/mmeshcher/tanglemarket-system/internal/repository"
)

// candidateBatch — сколько встречных заявок запрашивается за один проход.
const candidateBatch = 50

// maxMatchPasses ограничивает число проходов по книге при конкурентных
// изменениях встречных заявок.
const maxMatchPasses = 10

func minCount(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// matchTradeOrder исполняет новую заявку против книги по строгому приоритету
// цена-время: лучшая цена первой, при равенстве цен — более ранняя заявка.
// Размер сопоставления — min(остаток новой, остаток встречной); цена
// исполнения — цена встречной (более ранней) заявки. Устаревшие кандидаты
// пропускаются, заявка перечитывается, проходы ограничены.
func (s *Service) matchTradeOrder(ctx context.Context, taker *model.TradeOrder) error {
	for pass := 0; pass < maxMatchPasses; pass++ {
		if taker.Remaining() == 0 || taker.Status.Terminal() {
			return nil
		}

		candidates, err := s.repo.ListOpenCounterOrders(ctx, taker, candidateBatch)
		if err != nil {
			return fmt.Errorf("list counter orders: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		var progressed bool
		for i := range candidates {
			maker := &candidates[i]
			if maker.OwnerID == taker.OwnerID {
				// Самосопоставление не исполняется.
				continue
			}

			count := minCount(taker.Remaining(), maker.Remaining())
			if count == 0 {
				continue
			}

			err := s.repo.ApplyFill(ctx, taker, maker, count)
			if errors.Is(err, repository.ErrConflict) {
				// Кандидат или сама заявка изменились; перечитываем заявку,
				// кандидат получит шанс на следующем проходе.
				refreshed, rerr := s.repo.GetTradeOrder(ctx, taker.ID)
				if rerr != nil {
					return rerr
				}
				taker = refreshed
				if taker.Remaining() == 0 || taker.Status.Terminal() {
					return nil
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("apply fill: %w", err)
			}

			s.logger.Info("trade orders matched",
				zap.Int64("takerId", taker.ID),
				zap.Int64("makerId", maker.ID),
				zap.Int64("price", maker.Price),
				zap.Int64("count", count))

			progressed = true

			refreshed, err := s.repo.GetTradeOrder(ctx, taker.ID)
			if err != nil {
				return err
			}
			taker = refreshed
			if taker.Remaining() == 0 {
				return nil
			}
		}

		if !progressed {
			// Все кандидаты устарели — ещё один проход по свежей выборке.
			continue
		}
	}

	return nil
}
