package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/port"
)

const DefaultSweepBatchSize = 200

// SweepReport summarizes one reassignment run over an area.
type SweepReport struct {
	Area       string `json:"area"`
	Total      int    `json:"total"`      // open orders in the area when the run started
	Previously int    `json:"previously"` // already handled by an interrupted run
	Reassigned int    `json:"reassigned"`
	Skipped    int    `json:"skipped"` // closed or moved while the run was in progress
	FinalIndex int    `json:"finalIndex"`
	Resumed    bool   `json:"resumed"`
}

type AssignmentService struct {
	Deps
	batchSize int
	log       *zap.Logger
}

func NewAssignmentService(deps Deps, batchSize int) *AssignmentService {
	deps = deps.withDefaults()
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	return &AssignmentService{
		Deps:      deps,
		batchSize: batchSize,
		log:       deps.Logger.Named("assignment_service"),
	}
}

func (s *AssignmentService) GetAssignment(ctx context.Context, area string) (*domain.AreaAssignment, error) {
	a, err := s.DB.GetAssignment(ctx, area)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return domain.NewAreaAssignment(area), nil
	}
	return a, nil
}

// SaveRoster replaces the ordered roster of a registered area and then
// redistributes the area's open orders over it.
func (s *AssignmentService) SaveRoster(ctx context.Context, area string, agentIDs []string) (SweepReport, error) {
	area = strings.TrimSpace(area)
	if area == "" {
		return SweepReport{}, domain.Invalid("area", "area is required")
	}
	ids := domain.DedupeAgents(agentIDs)

	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		registered, err := tx.GetArea(ctx, area)
		if err != nil {
			return err
		}
		if registered == nil {
			return fmt.Errorf("%w: %s", domain.ErrAreaNotFound, area)
		}
		for _, id := range ids {
			agent, err := tx.GetAgent(ctx, id)
			if err != nil {
				return err
			}
			if agent == nil {
				return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
			}
		}

		a, err := tx.GetAssignment(ctx, area)
		if err != nil {
			return err
		}
		if a == nil {
			a = domain.NewAreaAssignment(area)
		}
		a.AgentIDs = ids
		a.UpdatedAt = s.now()
		return tx.PutAssignment(ctx, a)
	})
	if err != nil {
		return SweepReport{}, err
	}

	s.log.Info("roster_saved", zap.String("area", area), zap.Int("agents", len(ids)))
	return s.ReassignOrdersForArea(ctx, area, ids)
}

// ReassignOrdersForArea walks the open orders of an area oldest first and
// hands them out round-robin over agentIDs, continuing from the area's
// cursor. An empty roster unassigns every order and resets the cursor.
//
// Work is committed in chunks. Each chunk writes its orders, the cursor and a
// checkpoint together, so an interrupted run can be resumed from the last
// committed chunk with the same roster.
func (s *AssignmentService) ReassignOrdersForArea(ctx context.Context, area string, agentIDs []string) (SweepReport, error) {
	report := SweepReport{Area: area, FinalIndex: domain.NoAssignment}
	key := domain.RosterKey(agentIDs)

	orders, err := s.DB.ListOpenOrdersByArea(ctx, area)
	if err != nil {
		return report, fmt.Errorf("list open orders of %s: %w", area, err)
	}
	report.Total = len(orders)

	cursor, cp, err := s.startingPoint(ctx, area, key)
	if err != nil {
		return report, err
	}
	report.FinalIndex = cursor

	pending := orders
	processed := 0
	if cp != nil && cp.RosterKey == key {
		report.Resumed = true
		processed = cp.Processed
		pending = pending[:0:0]
		for i := range orders {
			if !cp.Done(&orders[i]) {
				pending = append(pending, orders[i])
			}
		}
		report.Previously = len(orders) - len(pending)
	}

	if len(pending) == 0 {
		if cp != nil {
			err := s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
				return tx.DeleteSweepCheckpoint(ctx, area)
			})
			if err != nil {
				return report, fmt.Errorf("drop checkpoint of %s: %w", area, err)
			}
		}
		return report, nil
	}

	names := s.agentNames(ctx, agentIDs)

	for start := 0; start < len(pending); start += s.batchSize {
		end := min(start+s.batchSize, len(pending))
		chunk := pending[start:end]
		last := end == len(pending)

		var (
			next    int
			changed []domain.Order
			skipped int
		)
		err := s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
			changed, skipped = changed[:0], 0

			// Placements may have moved the cursor since the last chunk
			// committed; continue from the committed value.
			a, err := tx.GetAssignment(ctx, area)
			if err != nil {
				return err
			}
			if a == nil {
				a = domain.NewAreaAssignment(area)
			}
			next = a.LastIndex

			for _, o := range chunk {
				cur, err := tx.GetOrder(ctx, o.ID)
				if err != nil {
					return err
				}
				if cur == nil || !cur.Open() || cur.Area != area {
					skipped++
					continue
				}
				if len(agentIDs) == 0 {
					cur.Assign("", "")
				} else {
					next = domain.Rotate(next, len(agentIDs))
					id := agentIDs[next]
					cur.Assign(id, names[id])
				}
				cur.UpdatedAt = s.now()
				if err := tx.PutOrder(ctx, cur); err != nil {
					return err
				}
				changed = append(changed, *cur)
			}
			if len(agentIDs) == 0 {
				next = domain.NoAssignment
			}

			a.AgentIDs = agentIDs
			a.LastIndex = next
			a.UpdatedAt = s.now()
			if err := tx.PutAssignment(ctx, a); err != nil {
				return err
			}

			if last {
				return tx.DeleteSweepCheckpoint(ctx, area)
			}
			return s.saveCheckpoint(ctx, tx, area, key, next, chunk[len(chunk)-1], processed+len(chunk))
		})
		if err != nil {
			s.Metrics.AddSweepOrders("failed", len(pending)-start)
			s.log.Error("sweep_aborted",
				zap.String("area", area),
				zap.Int("reassigned", report.Reassigned),
				zap.Int("remaining", len(pending)-start),
				zap.Error(err),
			)
			return report, fmt.Errorf("reassign %s: %d of %d orders done: %w", area, report.Previously+report.Reassigned+report.Skipped, report.Total, err)
		}

		processed += len(chunk)
		report.FinalIndex = next
		report.Reassigned += len(changed)
		report.Skipped += skipped
		s.Metrics.AddSweepOrders("reassigned", len(changed))
		s.Metrics.AddSweepOrders("skipped", skipped)

		events := make([]domain.OrderEvent, 0, len(changed))
		for _, o := range changed {
			events = append(events, domain.OrderEvent{
				Type:    domain.EventOrderReassigned,
				OrderID: o.ID,
				Area:    o.Area,
				AgentID: o.AssignedAgentID,
				Status:  o.Status,
				At:      o.UpdatedAt,
			})
		}
		s.announce(ctx, events...)
	}

	s.log.Info("sweep_finished",
		zap.String("area", area),
		zap.Int("total", report.Total),
		zap.Int("reassigned", report.Reassigned),
		zap.Int("skipped", report.Skipped),
		zap.Int("final_index", report.FinalIndex),
		zap.Bool("resumed", report.Resumed),
	)
	return report, nil
}

// startingPoint returns the cursor as of the start of the sweep and the
// stored checkpoint, if any. A checkpoint for a different roster is ignored;
// the sweep will overwrite or drop it. Each chunk rereads the cursor inside
// its own transaction.
func (s *AssignmentService) startingPoint(ctx context.Context, area, key string) (int, *domain.SweepCheckpoint, error) {
	var (
		cursor = domain.NoAssignment
		cp     *domain.SweepCheckpoint
	)
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		a, err := tx.GetAssignment(ctx, area)
		if err != nil {
			return err
		}
		if a != nil {
			cursor = a.LastIndex
		}
		cp, err = tx.GetSweepCheckpoint(ctx, area)
		if err != nil {
			return err
		}
		if cp != nil && cp.RosterKey == key {
			cursor = cp.Cursor
		}
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("load sweep state of %s: %w", area, err)
	}
	return cursor, cp, nil
}

func (s *AssignmentService) saveCheckpoint(ctx context.Context, tx port.Tx, area, key string, cursor int, lastDone domain.Order, processed int) error {
	cp, err := tx.GetSweepCheckpoint(ctx, area)
	if err != nil {
		return err
	}
	if cp == nil {
		cp = &domain.SweepCheckpoint{Area: area}
	}
	if cp.RosterKey != key {
		cp.RosterKey = key
		cp.StartedAt = s.now()
	}
	cp.Cursor = cursor
	cp.LastOrderID = lastDone.ID
	cp.LastCreatedAt = lastDone.CreatedAt
	cp.Processed = processed
	return tx.PutSweepCheckpoint(ctx, cp)
}

// agentNames resolves display names for the roster. Unknown agents keep an
// empty name; the id is still assigned.
func (s *AssignmentService) agentNames(ctx context.Context, ids []string) map[string]string {
	names := make(map[string]string, len(ids))
	for _, id := range ids {
		agent, err := s.DB.GetAgent(ctx, id)
		if err != nil {
			s.log.Warn("agent_lookup_failed", zap.String("agent_id", id), zap.Error(err))
			continue
		}
		if agent != nil {
			names[id] = agent.Name
		}
	}
	return names
}

// ResumePending finishes every sweep that was interrupted before it could
// drop its checkpoint. Sweeps resume against the area's current roster.
func (s *AssignmentService) ResumePending(ctx context.Context) ([]SweepReport, error) {
	cps, err := s.DB.ListSweepCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sweep checkpoints: %w", err)
	}

	var reports []SweepReport
	for _, cp := range cps {
		a, err := s.DB.GetAssignment(ctx, cp.Area)
		if err != nil {
			return reports, err
		}
		if a == nil {
			s.log.Warn("orphan_checkpoint_dropped", zap.String("area", cp.Area))
			err := s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
				return tx.DeleteSweepCheckpoint(ctx, cp.Area)
			})
			if err != nil {
				return reports, err
			}
			continue
		}

		s.log.Info("sweep_resuming", zap.String("area", cp.Area), zap.Int("processed", cp.Processed))
		report, err := s.ReassignOrdersForArea(ctx, cp.Area, a.AgentIDs)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}
