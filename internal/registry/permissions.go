package registry

import "carewire/internal/models"

// Action is something a participant may attempt inside a conversation.
type Action string

// Conversation actions subject to role checks.
const (
	ActionSendMessage        Action = "send"
	ActionAddParticipants    Action = "add_participants"
	ActionEditMessage        Action = "edit"
	ActionDeleteMessages     Action = "delete_messages"
	ActionManageParticipants Action = "manage_participants"
	ActionDeleteConversation Action = "delete_conversation"
)

// rolePermissions is the static role x action grant table. Anything not listed
// is denied.
var rolePermissions = map[models.ParticipantRole]map[Action]bool{
	models.RoleOwner: {
		ActionSendMessage:        true,
		ActionAddParticipants:    true,
		ActionEditMessage:        true,
		ActionDeleteMessages:     true,
		ActionManageParticipants: true,
		ActionDeleteConversation: true,
	},
	models.RoleAdmin: {
		ActionSendMessage:        true,
		ActionAddParticipants:    true,
		ActionEditMessage:        true,
		ActionDeleteMessages:     true,
		ActionManageParticipants: true,
	},
	models.RoleModerator: {
		ActionSendMessage:     true,
		ActionAddParticipants: true,
		ActionEditMessage:     true,
		ActionDeleteMessages:  true,
	},
	models.RoleMember: {
		ActionSendMessage: true,
		ActionEditMessage: true,
	},
	// Observers read only.
	models.RoleObserver: {},
}

// HasPermission reports whether a role is allowed to perform an action.
func HasPermission(role models.ParticipantRole, action Action) bool {
	grants, ok := rolePermissions[role]
	if !ok {
		return false
	}
	return grants[action]
}
