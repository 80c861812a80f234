package backup

import "time"

// MetadataFile is written at the root of every staging tree before archiving.
const MetadataFile = "backup_info.json"

// Metadata describes an artifact from the inside, so a restored tree is
// self-describing without the history document.
type Metadata struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Type        Kind      `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Files       []string  `json:"files"`
	Host        string    `json:"host,omitempty"`
	ToolVersion string    `json:"tool_version"`
}
