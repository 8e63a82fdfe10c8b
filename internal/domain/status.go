package domain

import "time"

// ConnectorState is the Feed Connector lifecycle state.
type ConnectorState string

const (
	StateStopped      ConnectorState = "STOPPED"
	StateConnecting   ConnectorState = "CONNECTING"
	StateSubscribing  ConnectorState = "SUBSCRIBING"
	StateStreaming    ConnectorState = "STREAMING"
	StateReconnecting ConnectorState = "RECONNECTING"
)

// Status is the read-only metrics snapshot exposed to the admin layer.
type Status struct {
	ConnectedSubscriberCount int            `json:"connectedSubscriberCount"`
	LastDataReceivedAt       *time.Time     `json:"lastDataReceivedAt,omitempty"`
	FeedConnectorState       ConnectorState `json:"feedConnectorState"`

	Source          string `json:"source"`
	Sessions        int64  `json:"sessions"`
	Instruments     int    `json:"instruments"`
	Tickers         int    `json:"tickers"`
	KnownPrices     int    `json:"knownPrices"`
	Frames          int64  `json:"frames"`
	Updates         int64  `json:"updates"`
	MalformedFrames int64  `json:"malformedMessages"`
	DelayedPending  int64  `json:"delayedPending"`
	MirrorDropped   int64  `json:"mirrorDropped"`
}
