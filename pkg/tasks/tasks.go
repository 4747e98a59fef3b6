// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// SubTabPopulationTask asks the background processor to fill a game tab's subtabs.
type SubTabPopulationTask struct {
	ConversationID string   `json:"conversation_id"`
	UserID         uint     `json:"user_id"`
	GameName       string   `json:"game_name"`
	SubTabIDs      []string `json:"subtab_ids"`
}
