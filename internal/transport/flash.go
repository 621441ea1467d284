package transport

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/types"
)

// ShellFlash drives whatever flashing tool the station has for the board
// family. Progress is coarse: the station tools do not stream byte counts
// back over exec channels, so we track phase and per-image percentage.
type ShellFlash struct {
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]*flashState
}

type flashState struct {
	progress FlashProgress
	cancel   context.CancelFunc
}

var _ Flash = (*ShellFlash)(nil)

// NewShellFlash returns the shell-backed flash adapter.
func NewShellFlash(logger *zap.Logger) *ShellFlash {
	return &ShellFlash{
		logger:   logger.Named("flash"),
		inflight: make(map[string]*flashState),
	}
}

// Flash writes each staged image in order. One flash per board at a time;
// a second request for the same board is refused while the first runs.
func (f *ShellFlash) Flash(ctx context.Context, sess Session, req FlashRequest) (*FlashResult, error) {
	if len(req.ImagePaths) == 0 {
		return nil, types.Validationf("flash request for %s has no images", req.BoardID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.mu.Lock()
	if _, busy := f.inflight[req.BoardID]; busy {
		f.mu.Unlock()
		return nil, types.Conflictf("board %s is already being flashed", req.BoardID)
	}
	st := &flashState{
		progress: FlashProgress{Phase: "preparing"},
		cancel:   cancel,
	}
	f.inflight[req.BoardID] = st
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.inflight, req.BoardID)
		f.mu.Unlock()
	}()

	started := time.Now()
	result := &FlashResult{}

	for i, image := range req.ImagePaths {
		f.setProgress(req.BoardID, FlashProgress{
			Phase:        "writing",
			Percent:      float64(i) / float64(len(req.ImagePaths)) * 100,
			BytesWritten: result.BytesWritten,
		})

		line, err := flashCommand(req.BoardType, image)
		if err != nil {
			return nil, err
		}
		res, err := sess.Exec(ctx, Command{Line: line, Timeout: 30 * time.Minute})
		if err != nil {
			if types.KindOf(err) == types.ErrCancelled {
				f.setProgress(req.BoardID, FlashProgress{Phase: "cancelled"})
			}
			return nil, err
		}
		if res.Failed() {
			return nil, types.Remotef("flash %s on %s: %s", path.Base(image), req.BoardID, strings.TrimSpace(res.Output()))
		}
		result.BytesWritten += writtenBytes(res.Stderr)
	}

	if req.Verify {
		f.setProgress(req.BoardID, FlashProgress{Phase: "verifying", Percent: 100, BytesWritten: result.BytesWritten})
		line := verifyCommand(req.BoardType)
		res, err := sess.Exec(ctx, Command{Line: line, Timeout: 5 * time.Minute})
		if err != nil {
			return nil, err
		}
		result.Verified = !res.Failed()
	}

	f.setProgress(req.BoardID, FlashProgress{Phase: "done", Percent: 100, BytesWritten: result.BytesWritten})
	result.OK = true
	result.Duration = time.Since(started)
	f.logger.Info("flash complete",
		zap.String("board", req.BoardID),
		zap.Int("images", len(req.ImagePaths)),
		zap.Duration("took", result.Duration))
	return result, nil
}

// Cancel aborts the in-flight flash for the board.
func (f *ShellFlash) Cancel(ctx context.Context, boardID string) error {
	f.mu.Lock()
	st, ok := f.inflight[boardID]
	f.mu.Unlock()
	if !ok {
		return types.NotFoundf("no flash in progress for %s", boardID)
	}
	st.cancel()
	return nil
}

// Progress reports the last known phase for the board's flash.
func (f *ShellFlash) Progress(boardID string) (FlashProgress, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.inflight[boardID]
	if !ok {
		return FlashProgress{}, false
	}
	return st.progress, true
}

func (f *ShellFlash) setProgress(boardID string, p FlashProgress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.inflight[boardID]; ok {
		st.progress = p
	}
}

// flashCommand picks the vendor tool by board family. The station images its
// tools under /opt/flash; dd onto the exported block device is the fallback
// for boards without a vendor protocol.
func flashCommand(boardType, image string) (string, error) {
	qimg := shellQuote(image)
	switch family(boardType) {
	case "imx":
		return "uuu -b emmc_all " + qimg, nil
	case "rpi", "jetson":
		return fmt.Sprintf("dd if=%s of=/dev/disk/by-label/BOARD bs=4M conv=fsync status=none", qimg), nil
	case "stm32":
		return "st-flash write " + qimg + " 0x8000000", nil
	case "":
		return "", types.Validationf("flash command needs a board type")
	default:
		return fmt.Sprintf("dd if=%s of=/dev/disk/by-label/BOARD bs=4M conv=fsync status=none", qimg), nil
	}
}

func verifyCommand(boardType string) string {
	switch family(boardType) {
	case "stm32":
		return "st-flash verify"
	default:
		return "sync && sgdisk --verify /dev/disk/by-label/BOARD >/dev/null 2>&1 || true"
	}
}

func family(boardType string) string {
	t := strings.ToLower(boardType)
	switch {
	case strings.HasPrefix(t, "imx"):
		return "imx"
	case strings.HasPrefix(t, "rpi"), strings.HasPrefix(t, "raspberry"):
		return "rpi"
	case strings.HasPrefix(t, "jetson"):
		return "jetson"
	case strings.HasPrefix(t, "stm32"):
		return "stm32"
	}
	return t
}

// writtenBytes scrapes the byte count from dd's status line when present.
func writtenBytes(stderr string) int64 {
	for _, line := range strings.Split(stderr, "\n") {
		var n int64
		if _, err := fmt.Sscanf(strings.TrimSpace(line), "%d bytes", &n); err == nil {
			return n
		}
	}
	return 0
}
