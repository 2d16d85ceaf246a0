package signal

import (
	"encoding/json"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/dkeye/Ephemeral/internal/domain"
)

// Ticket is what a REST join leaves in the session so the socket can be
// opened without repeating credentials in the URL.
type Ticket struct {
	DisplayName string `json:"display_name"`
	Password    string `json:"password,omitempty"`
}

func ticketKey(roomID domain.RoomID) string { return "join:" + string(roomID) }

func SaveTicket(c *gin.Context, roomID domain.RoomID, t Ticket) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	s := sessions.Default(c)
	s.Set(ticketKey(roomID), string(b))
	return s.Save()
}

func LoadTicket(c *gin.Context, roomID domain.RoomID) (Ticket, bool) {
	if _, ok := c.Get(sessions.DefaultKey); !ok {
		return Ticket{}, false
	}
	raw, ok := sessions.Default(c).Get(ticketKey(roomID)).(string)
	if !ok || raw == "" {
		return Ticket{}, false
	}
	var t Ticket
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Ticket{}, false
	}
	return t, true
}

// credentials prefers explicit query parameters over the session ticket.
func credentials(c *gin.Context, roomID domain.RoomID) (name, password string) {
	name = c.Query("display_name")
	password = c.Query("password")
	if name != "" {
		return name, password
	}
	if t, ok := LoadTicket(c, roomID); ok {
		return t.DisplayName, t.Password
	}
	return "", password
}
