package selector

import (
	"fleetd/internal/types"
)

// SelectBoard picks an available physical board and reserves it. The
// selection reports RequiresFlashing when the requested firmware differs
// from what the board currently runs.
func (s *Selector) SelectBoard(req types.BoardRequirements) (*types.Selection, error) {
	if req.Arch == "" {
		return nil, types.Validationf("board selection needs an architecture")
	}

	if req.PreferredID != "" {
		if board, err := s.reg.Board(req.PreferredID); err == nil {
			if s.boardEligible(board, req) == nil && s.groupAdmits(&board.AssetMeta) {
				if sel, ok := s.pick([]scored{s.scoreBoard(board, req)}, "board"); ok {
					return s.annotateFlashing(sel, req), nil
				}
			}
		}
	}

	var cands []scored
	var rejections []rejection
	occupied := 0
	boards := make(map[string]*types.Board)
	for _, board := range s.reg.Boards() {
		boards[board.ID] = board
		if board.Status == types.BoardInUse || board.Status == types.BoardFlashing {
			occupied++
		}
		if rej := s.boardEligible(board, req); rej != nil {
			rejections = append(rejections, *rej)
			continue
		}
		if s.res.held(board.ID) || !s.groupAdmits(&board.AssetMeta) {
			continue
		}
		cands = append(cands, s.scoreBoard(board, req))
	}

	if sel, ok := s.pick(cands, "board"); ok {
		return s.annotateFlashing(sel, req), nil
	}
	return nil, s.exhausted("board", rejections, occupied)
}

func (s *Selector) annotateFlashing(sel *types.Selection, req types.BoardRequirements) *types.Selection {
	if req.FirmwareVersion == "" {
		return sel
	}
	board, err := s.reg.Board(sel.AssetID)
	if err != nil {
		return sel
	}
	sel.RequiresFlashing = board.CurrentFirmware != req.FirmwareVersion
	return sel
}

func (s *Selector) boardEligible(board *types.Board, req types.BoardRequirements) *rejection {
	switch {
	case board.Maintenance,
		!board.SupportsArch(req.Arch),
		!board.HasLabels(req.Labels),
		req.GroupID != "" && board.GroupID != req.GroupID,
		req.BoardType != "" && board.BoardType != req.BoardType,
		!board.HasPeripherals(req.Peripherals):
		return &rejection{id: board.ID}
	}

	switch board.Status {
	case types.BoardAvailable:
	case types.BoardInUse, types.BoardFlashing:
		// Someone else's workload; frees up on its own.
		return &rejection{id: board.ID, capacityOnly: true}
	default:
		return &rejection{id: board.ID}
	}

	if board.AssignedTestID != "" {
		return &rejection{id: board.ID, capacityOnly: true}
	}
	return nil
}

// scoreBoard weights health, availability and firmware match
// (0.4 / 0.35 / 0.25). Health combines connectivity, temperature and storage
// multiplicatively so one bad dimension drags the whole score down.
func (s *Selector) scoreBoard(board *types.Board, req types.BoardRequirements) scored {
	health := connectivityScore(board.Health) *
		temperatureScore(board.TemperatureC, s.cfg.ThresholdsFor(board.ID).TempCritCelsius) *
		storageScore(board.Utilization.StoragePercent)

	availability := 1.0
	if board.Health == types.LevelDegraded {
		availability = 0.7
	}

	firmware := 1.0
	if req.FirmwareVersion != "" && board.CurrentFirmware != req.FirmwareVersion {
		// Usable, but a flash cycle costs time.
		firmware = 0.0
	}

	return scored{
		id:    board.ID,
		score: 0.4*health + 0.35*availability + 0.25*firmware,
		load:  board.Utilization.Average(),
	}
}

func connectivityScore(level types.HealthLevel) float64 {
	switch level {
	case types.LevelHealthy:
		return 1.0
	case types.LevelDegraded:
		return 0.7
	case types.LevelUnknown:
		return 0.5
	default:
		return 0.2
	}
}

func temperatureScore(tempC, critC float64) float64 {
	if tempC <= 0 || critC <= 0 {
		return 1.0
	}
	return clamp01(1 - tempC/critC)
}

func storageScore(storagePercent float64) float64 {
	return clamp01(1 - storagePercent/100)
}
