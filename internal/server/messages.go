package server

// Client -> server message types.
const (
	MsgPing        = "ping"
	MsgRegister    = "register"
	MsgLogin       = "login"
	MsgResume      = "resume"
	MsgListLobbies = "list_lobbies"
	MsgCreateLobby = "create_lobby"
	MsgJoinLobby   = "join_lobby"
	MsgLeaveLobby  = "leave_lobby"
	MsgToggleReady = "toggle_ready"
	MsgStartGame   = "start_game"
	MsgSpectate    = "spectate"
	MsgToggleLock  = "toggle_lock"
	MsgKick        = "kick"
	MsgSetMode     = "set_mode"
	MsgAction      = "action"
	MsgChat        = "chat"
	MsgGetFriends  = "get_friends"
	MsgAddFriend   = "add_friend"
	MsgInvite      = "invite"
	MsgLeaderboard = "leaderboard"
	MsgProfile     = "profile"
)

// Server -> client message types.
const (
	MsgPong        = "pong"
	MsgAuthResult  = "auth_result"
	MsgLobbyState  = "lobby_state"
	MsgLobbyList   = "lobby_list"
	MsgLeftLobby   = "left_lobby"
	MsgGameState   = "game_state"
	MsgMatchResult = "match_result"
	MsgFriendList  = "friend_list"
	MsgChatLine    = "chat_line"
	MsgInvited     = "invited"
	MsgError       = "error"
)

type ServerMessage struct {
	Type    string `json:"type"`
	Code    Code   `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
}
