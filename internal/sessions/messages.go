package sessions

import (
	"fmt"

	"crisiswatch/internal/models"
)

func openingMessage(s *models.Session) string {
	if s.FollowupID != "" {
		return fmt.Sprintf("Hi <@%s>, thanks for getting back to us. I'm an automated companion and I'm here to listen. "+
			"How have things been since we last talked?", s.SubjectID)
	}
	return fmt.Sprintf("Hi <@%s>, I'm an automated companion. Someone from the support team has been notified and may join here. "+
		"In the meantime I'm here to listen. How are you doing right now?\n\n"+
		"You can end this conversation at any time by sending \"end session\".", s.SubjectID)
}
