package connection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/homewatch/homewatch/internal/bus"
)

// slackSession drives one Slack RTM session. The transport's own reconnect
// loop is neutralized: an unintentional disconnect tears the session down so
// every transition stays observable and recovery is an explicit restart.
type slackSession struct {
	api *slack.Client
	rtm *slack.RTM
	bus *bus.Bus
}

// NewSlackSessionFactory returns the production session factory.
func NewSlackSessionFactory() SessionFactory {
	return func(token string, b *bus.Bus) Session {
		return &slackSession{api: slack.New(token), bus: b}
	}
}

func (s *slackSession) Open(ctx context.Context) (Identity, error) {
	s.rtm = s.api.NewRTM()
	go s.rtm.ManageConnection()

	for {
		select {
		case <-ctx.Done():
			_ = s.rtm.Disconnect()
			return Identity{}, ctx.Err()
		case ev, ok := <-s.rtm.IncomingEvents:
			if !ok {
				return Identity{}, errors.New("slack event stream closed before connect")
			}
			switch data := ev.Data.(type) {
			case *slack.ConnectedEvent:
				return identityFromInfo(data.Info), nil
			case *slack.InvalidAuthEvent:
				_ = s.rtm.Disconnect()
				return Identity{}, errors.New("slack rejected the token")
			case *slack.ConnectionErrorEvent:
				// Fail the attempt instead of letting the transport retry.
				_ = s.rtm.Disconnect()
				return Identity{}, fmt.Errorf("slack connection error: %w", data.ErrorObj)
			}
		}
	}
}

func (s *slackSession) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.rtm.IncomingEvents:
			if !ok {
				return errors.New("slack event stream closed")
			}
			switch data := ev.Data.(type) {
			case *slack.MessageEvent:
				s.bus.PublishMessage(&bus.Message{
					ConversationID: data.Channel,
					UserID:         data.User,
					Text:           data.Text,
					Timestamp:      slackTimestamp(data.Timestamp),
				})
			case *slack.RTMError:
				s.bus.PublishNotice(&bus.Notice{
					Kind:   bus.NoticeError,
					Reason: data.Error(),
				})
			case *slack.InvalidAuthEvent:
				_ = s.rtm.Disconnect()
				return errors.New("slack rejected the token")
			case *slack.DisconnectedEvent:
				if data.Intentional {
					return nil
				}
				_ = s.rtm.Disconnect()
				if data.Cause != nil {
					return fmt.Errorf("slack closed the connection: %w", data.Cause)
				}
				return errors.New("slack closed the connection")
			}
		}
	}
}

func (s *slackSession) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.rtm.Disconnect() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slackSession) PostMessage(ctx context.Context, conversationID, text string) error {
	return withRetry(3, 200*time.Millisecond, func() (bool, error) {
		_, _, err := s.api.PostMessageContext(ctx, conversationID, slack.MsgOptionText(text, false))
		return slackRetryDecision(err)
	})
}

func (s *slackSession) UploadImage(ctx context.Context, up Upload) error {
	return withRetry(3, 200*time.Millisecond, func() (bool, error) {
		_, err := s.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Channel:        up.ConversationID,
			Reader:         up.Body,
			Filename:       up.Filename,
			Title:          up.Title,
			InitialComment: up.Caption,
			FileSize:       up.Size,
		})
		return slackRetryDecision(err)
	})
}

func (s *slackSession) UserDisplayName(ctx context.Context, userID string) (string, error) {
	u, err := s.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("slack user lookup %q: %w", userID, err)
	}
	for _, name := range []string{u.Profile.DisplayName, u.RealName, u.Name} {
		if strings.TrimSpace(name) != "" {
			return name, nil
		}
	}
	return userID, nil
}

func (s *slackSession) Conversations(ctx context.Context, kind ConversationKind) ([]Conversation, error) {
	var types []string
	switch kind {
	case KindChannel:
		types = []string{"public_channel"}
	case KindGroup:
		types = []string{"private_channel"}
	case KindDirect:
		types = []string{"im"}
	default:
		return nil, fmt.Errorf("unsupported conversation kind: %s", kind)
	}

	var all []Conversation
	cursor := ""
	for {
		chs, next, err := s.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			Limit:           200,
			Types:           types,
			ExcludeArchived: true,
		})
		if err != nil {
			return nil, fmt.Errorf("slack conversations (%s): %w", kind, err)
		}
		for _, ch := range chs {
			name := ch.Name
			if kind == KindDirect {
				name = ch.User // IMs carry the counterpart user id
			}
			all = append(all, Conversation{ID: ch.ID, Name: name})
		}
		cursor = strings.TrimSpace(next)
		if cursor == "" {
			return all, nil
		}
	}
}

func (s *slackSession) Users(ctx context.Context) ([]Conversation, error) {
	users, err := s.api.GetUsersContext(ctx, slack.GetUsersOptionLimit(200))
	if err != nil {
		return nil, fmt.Errorf("slack users: %w", err)
	}
	out := make([]Conversation, 0, len(users))
	for _, u := range users {
		out = append(out, Conversation{ID: u.ID, Name: u.Name})
	}
	return out, nil
}

func identityFromInfo(info *slack.Info) Identity {
	var ident Identity
	if info == nil {
		return ident
	}
	if info.User != nil {
		ident.UserID = info.User.ID
		ident.UserName = info.User.Name
	}
	if info.Team != nil {
		ident.TeamID = info.Team.ID
		ident.TeamName = info.Team.Name
	}
	return ident
}

func slackTimestamp(ts string) time.Time {
	secsPart, _, _ := strings.Cut(ts, ".")
	secs, err := strconv.ParseInt(secsPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

func slackRetryDecision(err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) && rle != nil {
		if rle.RetryAfter > 0 {
			time.Sleep(rle.RetryAfter)
		}
		return true, err
	}
	return false, err
}

func withRetry(attempts int, backoff time.Duration, fn func() (bool, error)) error {
	var err error
	var retry bool
	for i := 0; i < attempts; i++ {
		retry, err = fn()
		if err == nil || !retry {
			return err
		}
		time.Sleep(backoff)
	}
	return err
}
