package entities

import "time"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
	ChannelSMS   Channel = "sms"
)

// AllChannels lists every supported channel in routing order.
var AllChannels = []Channel{ChannelEmail, ChannelChat, ChannelSMS}

type DeliveryStatus string

// Deliveries are recorded after the send attempt, so only the two
// outcomes exist.
const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// NotificationConfig is the per-channel configuration row. Config holds
// channel-specific settings as JSON (SMTP host, webhook URL, ...);
// SeverityRoutes maps severity name to a delivery boolean.
type NotificationConfig struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Channel        Channel   `gorm:"uniqueIndex;size:10" json:"channel"`
	Enabled        bool      `gorm:"default:false" json:"enabled"`
	Config         string    `gorm:"type:text" json:"config,omitempty"`
	SeverityRoutes string    `gorm:"type:text" json:"severity_routes,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NotificationDelivery records one attempted send on one channel.
type NotificationDelivery struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	AlertID     *uint          `gorm:"index" json:"alert_id,omitempty"`
	Subject     string         `gorm:"size:512" json:"subject"`
	Body        string         `gorm:"type:text" json:"body"`
	Severity    Severity       `gorm:"size:10" json:"severity"`
	Channel     Channel        `gorm:"size:10" json:"channel"`
	Recipient   string         `gorm:"size:256" json:"recipient"`
	Status      DeliveryStatus `gorm:"index;size:10;default:'queued'" json:"status"`
	Attempts    int            `json:"attempts"`
	Error       string         `gorm:"size:1024" json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

func (NotificationConfig) TableName() string   { return "notification_configs" }
func (NotificationDelivery) TableName() string { return "notification_deliveries" }
