package handlers

// registerEvents wires every event name to its middleware requirements and
// handler, mirroring register_events' table of sio.on(...) calls with their
// stacked decorators.
func (d *Dispatcher) registerEvents() {
	// auth-class events: guarded by login_fail_wrap, never login_required_wrap.
	d.on("login", true, false, true, []string{"username"}, handleLogin)
	d.on("login_challenge_response", true, false, true, []string{"response"}, handleLoginChallengeResponse)
	d.on("register", true, false, true, []string{"username", "public_key", "spk", "sig", "own_storage"}, handleRegister)
	d.on("username_exists", false, false, true, []string{"username"}, handleUsernameExists)

	// profile
	d.on("get_user", false, true, true, []string{"username"}, handleGetUser)
	d.on("get_full_user", false, true, false, nil, handleGetFullUser)
	d.on("get_user_list", false, true, false, nil, handleGetUserList)
	d.on("set_user", false, true, false, nil, handleSetUser)

	// dms
	d.on("create_dm", false, true, true, []string{"usernames", "messages", "key_tree"}, handleCreateDM)
	d.on("get_dms", false, true, false, nil, handleGetDMs)
	d.on("get_dm", false, true, true, []string{"id"}, handleGetDM)
	d.on("set_dm", false, true, true, []string{"id", "name"}, handleSetDM)
	d.on("leave_dm", false, true, true, []string{"id"}, handleLeaveDM)

	// messaging
	d.on("send_message", false, true, true, []string{"id", "message", "signature", "schedule", "delete"}, handleSendMessage)
	d.on("cancel_scheduled_message", false, true, true, []string{"dm_id", "schedule_id"}, handleCancelScheduledMessage)
	d.on("get_message", false, true, true, []string{"id"}, handleGetMessage)
	d.on("get_message_history", false, true, true, []string{"id", "cursor", "limit"}, handleGetMessageHistory)
	d.on("get_pinned", false, true, true, []string{"id"}, handleGetPinned)
	d.on("set_message", false, true, false, nil, handleSetMessage)
	d.on("add_reaction", false, true, true, []string{"id", "reaction", "signature"}, handleAddReaction)
	d.on("remove_reaction", false, true, true, []string{"id"}, handleRemoveReaction)
	d.on("ping_typing", false, true, true, []string{"id"}, handlePingTyping)

	// social graph
	d.on("send_friend_request", false, true, true, []string{"username"}, handleSendFriendRequest)
	d.on("get_friend_requests", false, true, false, nil, handleGetFriendRequests)
	d.on("get_outgoing_requests", false, true, false, nil, handleGetOutgoingRequests)
	d.on("ack_friend_request", false, true, true, []string{"username", "accept"}, handleAckFriendRequest)
	d.on("unfriend", false, true, true, []string{"username"}, handleUnfriend)
	d.on("get_friends", false, true, false, nil, handleGetFriends)
	d.on("block_user", false, true, true, []string{"username"}, handleBlockUser)
	d.on("unblock_user", false, true, true, []string{"username"}, handleUnblockUser)
	d.on("get_blocked", false, true, false, nil, handleGetBlocked)

	// calls
	d.on("join_call", false, true, true, []string{"id", "uuid"}, handleJoinCall)
	d.on("leave_call", false, true, true, []string{"id"}, handleLeaveCall)
}
