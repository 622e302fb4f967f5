package protocol

import "fmt"

// ID is the first byte of every transport packet.
type ID uint8

// System ids. Everything below IDUserPacketEnum is owned by the transport
// or by this package's protocol extensions.
const (
	IDConnectedPing                ID = 0x00
	IDUnconnectedPing              ID = 0x01
	IDConnectedPong                ID = 0x03
	IDConnectionRequestAccepted    ID = 0x10
	IDConnectionAttemptFailed      ID = 0x11
	IDAlreadyConnected             ID = 0x12
	IDNewIncomingConnection        ID = 0x13
	IDNoFreeIncomingConnections    ID = 0x14
	IDDisconnectionNotification    ID = 0x15
	IDConnectionLost               ID = 0x16
	IDConnectionBanned             ID = 0x17
	IDInvalidPassword              ID = 0x18
	IDIncompatibleProtocolVersion  ID = 0x19
	IDTimestamp                    ID = 0x1B
	IDUnconnectedPong              ID = 0x1C
	IDRemoteDisconnection          ID = 0x1F
	IDRemoteConnectionLost         ID = 0x20
	IDRemoteNewIncomingConnection  ID = 0x21
	IDNATTargetNotConnected        ID = 0x40
	IDNATTargetUnresponsive        ID = 0x41
	IDNATConnectionToTargetLost    ID = 0x42
	IDNATAlreadyInProgress         ID = 0x43
	IDNATPunchthroughFailed        ID = 0x44
	IDNATPunchthroughSucceeded     ID = 0x45
	IDReadyEventSet                ID = 0x50
	IDReadyEventUnset              ID = 0x51
	IDReadyEventAllSet             ID = 0x52
	IDReadyEventQuery              ID = 0x53
	IDFCM2NewHost                  ID = 0x60
	IDFCM2RequestFCMGUID           ID = 0x61
	IDFCM2RespondConnectionCount   ID = 0x62
	IDFCM2InformFCMGUID            ID = 0x63
	IDFCM2UpdateMinTotalConnection ID = 0x64
	IDFCM2VerifiedJoinStart        ID = 0x65

	// IDUserPacketEnum is the first application-owned id.
	IDUserPacketEnum ID = 0x86
)

var idNames = map[ID]string{
	IDConnectedPing:                "connected_ping",
	IDUnconnectedPing:              "unconnected_ping",
	IDConnectedPong:                "connected_pong",
	IDConnectionRequestAccepted:    "connection_request_accepted",
	IDConnectionAttemptFailed:      "connection_attempt_failed",
	IDAlreadyConnected:             "already_connected",
	IDNewIncomingConnection:        "new_incoming_connection",
	IDNoFreeIncomingConnections:    "no_free_incoming_connections",
	IDDisconnectionNotification:    "disconnection_notification",
	IDConnectionLost:               "connection_lost",
	IDConnectionBanned:             "connection_banned",
	IDInvalidPassword:              "invalid_password",
	IDIncompatibleProtocolVersion:  "incompatible_protocol_version",
	IDTimestamp:                    "timestamp",
	IDUnconnectedPong:              "unconnected_pong",
	IDRemoteDisconnection:          "remote_disconnection",
	IDRemoteConnectionLost:         "remote_connection_lost",
	IDRemoteNewIncomingConnection:  "remote_new_incoming_connection",
	IDNATTargetNotConnected:        "nat_target_not_connected",
	IDNATTargetUnresponsive:        "nat_target_unresponsive",
	IDNATConnectionToTargetLost:    "nat_connection_to_target_lost",
	IDNATAlreadyInProgress:         "nat_already_in_progress",
	IDNATPunchthroughFailed:        "nat_punchthrough_failed",
	IDNATPunchthroughSucceeded:     "nat_punchthrough_succeeded",
	IDReadyEventSet:                "ready_event_set",
	IDReadyEventUnset:              "ready_event_unset",
	IDReadyEventAllSet:             "ready_event_all_set",
	IDReadyEventQuery:              "ready_event_query",
	IDFCM2NewHost:                  "fcm2_new_host",
	IDFCM2RequestFCMGUID:           "fcm2_request_fcmguid",
	IDFCM2RespondConnectionCount:   "fcm2_respond_connection_count",
	IDFCM2InformFCMGUID:            "fcm2_inform_fcmguid",
	IDFCM2UpdateMinTotalConnection: "fcm2_update_min_total_connection_count",
	IDFCM2VerifiedJoinStart:        "fcm2_verified_join_start",
	IDUserPacketEnum:               "user_packet",
}

// IsSystem reports whether id belongs to the system-owned range.
func (id ID) IsSystem() bool {
	return id < IDUserPacketEnum
}

func (id ID) String() string {
	if name, ok := idNames[id]; ok {
		return name
	}
	if id > IDUserPacketEnum {
		return fmt.Sprintf("user_packet+%d", uint8(id-IDUserPacketEnum))
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(id))
}

// Engine message ids carried inside the application envelope. Ids at or
// above MsgUser are never interpreted by the session layer.
const (
	MsgIdentity             uint32 = 0x01
	MsgControls             uint32 = 0x02
	MsgSceneLoaded          uint32 = 0x03
	MsgStateUpdate          uint32 = 0x04
	MsgRemoteEvent          uint32 = 0x05
	MsgPackageChunk         uint32 = 0x06
	MsgP2PJoinRequest       uint32 = 0x07
	MsgP2PJoinRequestDenied uint32 = 0x08

	MsgUser uint32 = 0x100
)

// IsEngineMessage reports whether msgID is reserved by the session layer.
func IsEngineMessage(msgID uint32) bool {
	return msgID >= MsgIdentity && msgID <= MsgP2PJoinRequestDenied
}
