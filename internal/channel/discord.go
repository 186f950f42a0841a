package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Discord sends messages through a bot session. To is the target channel ID.
type Discord struct {
	session *discordgo.Session
}

// NewDiscord opens a bot session with token (without the "Bot " prefix;
// discordgo adds it).
func NewDiscord(token string) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return &Discord{session: session}, nil
}

func (d *Discord) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	sent, err := d.session.ChannelMessageSend(msg.To, msg.Text)
	if err != nil {
		return DeliveryResult{}, Temporary(fmt.Errorf("discord: send: %w", err))
	}

	return DeliveryResult{
		ProviderMsgID: sent.ID,
		DeliveredAt:   time.Now().UTC(),
	}, nil
}

func (d *Discord) Logout(ctx context.Context) error {
	return d.session.Close()
}
