// Package proto holds the message-type and channel constants shared by every
// cluster component, plus the arithmetic that derives connection channels
// from account and avatar ids.
package proto

// Channel is a 64-bit bus address. A peer may subscribe any number of
// channels with the Message Director; the reserved constants below name the
// singleton service endpoints.
type Channel = uint64

// Reserved channels.
const (
	// ControlMessage is the destination channel carried by every control
	// datagram. It is never bound by a participant.
	ControlMessage Channel = 4001

	ClientAgentChannel Channel = 1000
	StateServerChannel Channel = 1001
	DatabaseChannel    Channel = 1002
)

// Connection-channel prefixes. Account and puppet channels live in disjoint
// 2^32-wide bands so a single u64 encodes both the band and the 32-bit id.
const (
	accountPrefix = uint64(1003) << 32
	puppetPrefix  = uint64(1001) << 32
)

// AccountChannel returns the account connection channel for an account id.
func AccountChannel(accountID uint32) Channel {
	return uint64(accountID) + accountPrefix
}

// PuppetChannel returns the avatar puppet connection channel for an avatar id.
func PuppetChannel(avatarID uint32) Channel {
	return uint64(avatarID) + puppetPrefix
}

// SenderChannel returns the sender channel of an authenticated client:
// the account id in the high 32 bits, the active avatar id (0 before
// activation) in the low 32 bits.
func SenderChannel(accountID, avatarID uint32) Channel {
	return uint64(accountID)<<32 | uint64(avatarID)
}

// AccountID extracts the account id from a sender channel.
func AccountID(ch Channel) uint32 { return uint32(ch >> 32) }

// AvatarID extracts the avatar id from a sender channel.
func AvatarID(ch Channel) uint32 { return uint32(ch & 0xFFFFFFFF) }

// Control message types, processed inline by the Message Director.
const (
	ControlSetChannel      uint16 = 2001
	ControlRemoveChannel   uint16 = 2002
	ControlSetConName      uint16 = 2004
	ControlSetConURL       uint16 = 2005
	ControlAddRange        uint16 = 2008
	ControlRemoveRange     uint16 = 2009
	ControlAddPostRemove   uint16 = 2010
	ControlClearPostRemove uint16 = 2011
)

// State Server message types.
const (
	StateServerObjectGenerateWithRequired      uint16 = 2001
	StateServerObjectGenerateWithRequiredOther uint16 = 2003
	StateServerObjectUpdateField               uint16 = 2004
	StateServerObjectDeleteRAM                 uint16 = 2007
	StateServerObjectSetZone                   uint16 = 2008
	StateServerObjectChangingLocation          uint16 = 2009
	StateServerObjectLocationAck               uint16 = 2010
	StateServerObjectSetLocation               uint16 = 2011
	StateServerObjectGetZonesObjects           uint16 = 2021
	StateServerObjectGetZonesObjectsResp       uint16 = 2022
	StateServerObjectSetAI                     uint16 = 2045
	StateServerObjectChangingAI                uint16 = 2046
	StateServerObjectEnterAIWithRequired       uint16 = 2047
	StateServerObjectEnterAIWithRequiredOther  uint16 = 2048
	StateServerObjectSetOwner                  uint16 = 2050
	StateServerObjectChangingOwner             uint16 = 2051
	StateServerObjectEnterOwnerWithRequired    uint16 = 2052
	StateServerObjectEnterOwnerWithRequiredOther uint16 = 2053
	StateServerObjectEnterLocationWithRequired      uint16 = 2060
	StateServerObjectEnterLocationWithRequiredOther uint16 = 2061

	StateServerAddShard        uint16 = 2100
	StateServerUpdateShard     uint16 = 2101
	StateServerRemoveShard     uint16 = 2102
	StateServerGetShardAll     uint16 = 2103
	StateServerGetShardAllResp uint16 = 2104
)

// Database Server message types.
const (
	DBServerCreateObject     uint16 = 1003
	DBServerCreateObjectResp uint16 = 1004

	DBServerObjectGetAll        uint16 = 1010
	DBServerObjectGetAllResp    uint16 = 1011
	DBServerObjectGetField      uint16 = 1012
	DBServerObjectGetFieldResp  uint16 = 1013
	DBServerObjectGetFields     uint16 = 1014
	DBServerObjectGetFieldsResp uint16 = 1015

	DBServerObjectSetField  uint16 = 1020
	DBServerObjectSetFields uint16 = 1021

	DBServerObjectSetFieldIfEquals      uint16 = 1022
	DBServerObjectSetFieldIfEqualsResp  uint16 = 1023
	DBServerObjectSetFieldsIfEquals     uint16 = 1024
	DBServerObjectSetFieldsIfEqualsResp uint16 = 1025
)

// Client Agent internal message types (sent to account/puppet channels).
const (
	ClientAgentDisconnect    uint16 = 3101
	ClientAgentFriendOnline  uint16 = 3102
	ClientAgentFriendOffline uint16 = 3103
)

// External client message types (u16 at the head of every client frame).
const (
	ClientLogin2               uint16 = 3
	ClientGoGetLost            uint16 = 4
	ClientGetAvatarsResp       uint16 = 5
	ClientGetAvatars           uint16 = 6
	ClientCreateAvatar         uint16 = 8
	ClientGetAvatarDetails     uint16 = 14
	ClientGetAvatarDetailsResp uint16 = 16
	ClientObjectUpdateField    uint16 = 24
	ClientObjectDeleteResp     uint16 = 25
	ClientSetZone              uint16 = 29
	ClientSetAvatar            uint16 = 32
	ClientCreateObjectRequired uint16 = 34
	ClientCreateObjectRequiredOther uint16 = 35
	ClientDisconnect           uint16 = 37
	ClientDeleteAvatar         uint16 = 41
	ClientDeleteAvatarResp     uint16 = 42
	ClientSetShard             uint16 = 45
	ClientGetStateResp         uint16 = 47
	ClientDoneSetZoneResp      uint16 = 48
	ClientCreateAvatarResp     uint16 = 49
	ClientHeartbeat            uint16 = 52
	ClientRemoveFriend         uint16 = 56
	ClientFriendOnline         uint16 = 63
	ClientFriendOffline        uint16 = 64
	ClientGetFriendList        uint16 = 82
	ClientGetFriendListResp    uint16 = 83
	ClientGetShardListResp     uint16 = 102
	ClientGetShardList         uint16 = 103
	ClientSetWishname          uint16 = 107
	ClientSetWishnameResp      uint16 = 108
	ClientSetNamePattern       uint16 = 109
	ClientSetNamePatternResp   uint16 = 110
	ClientLogin2Resp           uint16 = 126
)

// Client disconnect codes carried by ClientGoGetLost.
const (
	DisconnectBadVersion         uint16 = 106
	DisconnectBadDCHash          uint16 = 107
	DisconnectInvalidTokenType   uint16 = 108
	DisconnectTruncatedDatagram  uint16 = 109
	DisconnectShardClosed        uint16 = 110
	DisconnectAnonymousViolation uint16 = 113
	DisconnectInvalidMsgType     uint16 = 115
)

// Login token types. Only the blue token is accepted.
const (
	TokenTypeGreen     int32 = 1
	TokenTypePlayToken int32 = 2
	TokenTypeBlue      int32 = 3
)
