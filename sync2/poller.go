package sync2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/matrix-org/syncbridge/internal"
)

var timeSleep = func(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

const maxPollBackoff = 2 * time.Minute

// SyncClient is the subset of HTTPClient the poller needs.
type SyncClient interface {
	DoSyncV2(ctx context.Context, accessToken, since string, isFirst bool) (*SyncResponse, int, error)
}

// V2DataReceiver is what the poller passes sync data to, one call per room section, followed
// by OnSyncComplete once the whole response has been handed over.
type V2DataReceiver interface {
	// Initialise a room with its state and summary.
	Initialise(roomID string, summary RoomSummary, state []json.RawMessage)
	// Accumulate timeline events for a room. limited means there is a gap before them.
	Accumulate(roomID, prevBatch string, limited bool, timeline []json.RawMessage)
	UpdateUnreadCounts(roomID string, highlightCount, notifCount *int)
	// OnAccountData is called for global account data when roomID is empty.
	OnAccountData(roomID string, events []json.RawMessage)
	OnInvite(roomID string, inviteState []json.RawMessage)
	OnLeave(roomID string, timeline []json.RawMessage)
	OnSyncComplete(since string)
}

// Poller can automatically poll the sync v2 endpoint and pass the responses to a V2DataReceiver.
type Poller struct {
	accessToken string
	client      SyncClient
	receiver    V2DataReceiver
	logger      zerolog.Logger

	initialSyncDone chan struct{}
}

func NewPoller(accessToken string, client SyncClient, receiver V2DataReceiver, logger zerolog.Logger) *Poller {
	return &Poller{
		accessToken:     accessToken,
		client:          client,
		receiver:        receiver,
		logger:          logger,
		initialSyncDone: make(chan struct{}),
	}
}

// WaitUntilInitialSync blocks until the first response has been processed.
func (p *Poller) WaitUntilInitialSync() {
	<-p.initialSyncDone
}

// Poll will block until ctx is cancelled, repeatedly calling v2 sync. Returns an error wrapping
// HTTP401 if the access token gets invalidated.
func (p *Poller) Poll(ctx context.Context, since string) error {
	p.logger.Info().Str("since", since).Msg("v2 poll loop started")
	failCount := 0
	firstTime := true
	for {
		if ctx.Err() != nil {
			return nil
		}
		if failCount > 0 {
			waitTime := time.Duration(math.Pow(2, float64(failCount))) * time.Second
			if waitTime > maxPollBackoff {
				waitTime = maxPollBackoff
			}
			p.logger.Warn().Str("duration", waitTime.String()).Msg("waiting before next poll")
			timeSleep(ctx, waitTime)
			if ctx.Err() != nil {
				return nil
			}
		}
		resp, statusCode, err := p.client.DoSyncV2(ctx, p.accessToken, since, firstTime)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if statusCode == 401 || errors.Is(err, HTTP401) {
				p.logger.Warn().Msg("access token has been invalidated, terminating loop")
				return fmt.Errorf("poll: %w", err)
			}
			p.logger.Warn().Int("code", statusCode).Err(err).Msg("sync v2 poll returned temporary error")
			failCount++
			continue
		}
		failCount = 0
		p.parseResponse(ctx, resp)
		since = resp.NextBatch
		p.receiver.OnSyncComplete(since)
		if firstTime {
			firstTime = false
			close(p.initialSyncDone)
		}
	}
}

func (p *Poller) parseResponse(ctx context.Context, res *SyncResponse) {
	ctx, span := internal.StartSpan(ctx, "parseResponse")
	defer span.End()
	internal.Logf(ctx, "poller", "join=%d invite=%d leave=%d", len(res.Rooms.Join), len(res.Rooms.Invite), len(res.Rooms.Leave))
	if len(res.AccountData.Events) > 0 {
		p.receiver.OnAccountData("", res.AccountData.Events)
	}
	for roomID, roomData := range res.Rooms.Join {
		if len(roomData.State.Events) > 0 || len(roomData.Summary.Heroes) > 0 ||
			roomData.Summary.JoinedMemberCount != nil || roomData.Summary.InvitedMemberCount != nil {
			p.receiver.Initialise(roomID, roomData.Summary, roomData.State.Events)
		}
		if len(roomData.Timeline.Events) > 0 {
			p.receiver.Accumulate(roomID, roomData.Timeline.PrevBatch, roomData.Timeline.Limited, roomData.Timeline.Events)
		}
		if len(roomData.AccountData.Events) > 0 {
			p.receiver.OnAccountData(roomID, roomData.AccountData.Events)
		}
		p.receiver.UpdateUnreadCounts(roomID, roomData.UnreadNotifications.HighlightCount, roomData.UnreadNotifications.NotificationCount)
	}
	for roomID, roomData := range res.Rooms.Invite {
		p.receiver.OnInvite(roomID, roomData.InviteState.Events)
	}
	for roomID, roomData := range res.Rooms.Leave {
		p.receiver.OnLeave(roomID, roomData.Timeline.Events)
	}
	p.logger.Debug().Int("joined", len(res.Rooms.Join)).Int("invited", len(res.Rooms.Invite)).
		Int("left", len(res.Rooms.Leave)).Msg("accumulated data")
}
