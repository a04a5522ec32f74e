package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/solace/backend/internal/analysis/risk"
	"github.com/zhouzirui/solace/backend/internal/model/chat"
	crisissvc "github.com/zhouzirui/solace/backend/internal/service/crisis"
	"github.com/zhouzirui/solace/backend/internal/service/gateway"
)

// startCrisisSideTask 在独立 goroutine 中打开干预界面并写入危机事件。
// 界面先于写入打开，写入慢或失败都不延迟界面；不阻塞主流程，失败只记录日志。
func (p *Pipeline) startCrisisSideTask(ctx context.Context, session chat.Session, text string, a risk.Assessment) {
	detectedAt := time.Now().UTC()
	p.side.Add(1)
	go func() {
		defer p.side.Done()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("crisis side task panicked", "session_id", session.ID, "panic", r)
			}
		}()

		sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.deps.SideTaskTimeout)
		defer cancel()

		d := crisissvc.Detection{
			UserID:     session.UserID,
			SessionID:  session.ID,
			Severity:   a.Level,
			Signals:    a.Signals,
			DetectedAt: detectedAt,
		}
		if p.deps.CrisisLog == nil {
			if p.deps.Interventions != nil {
				p.deps.Interventions.Open(d)
			}
			return
		}

		d.EventID = uuid.NewString()
		if p.deps.Interventions != nil {
			p.deps.Interventions.OpenPending(d)
		}
		err := p.deps.CrisisLog.RecordWithID(sideCtx, d.EventID, session.UserID, session.ID, text, a)
		if err != nil {
			p.log.Error("crisis event not recorded",
				"session_id", session.ID,
				"event_id", d.EventID,
				"severity", a.Level,
				"error", fmt.Errorf("%w: %v", gateway.ErrCrisisLogFailed, err),
			)
		}
		if p.deps.Interventions != nil {
			p.deps.Interventions.EventRecorded(sideCtx, d.EventID, err)
		}
	}()
}

// Wait blocks until every crisis side task has finished.
func (p *Pipeline) Wait() {
	p.side.Wait()
}
