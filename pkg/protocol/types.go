package protocol

import "fmt"

// MessageType is the 32-bit tag that starts every message on the wire.
type MessageType int32

// Client → Server
const (
	TypeConnectionRequest    MessageType = 0
	TypeDisconnectionRequest MessageType = 1
	TypeChannelListRequest   MessageType = 2
	TypeChannelCreateRequest MessageType = 3
	TypeChannelModifyRequest MessageType = 4
	TypeChannelDeleteRequest MessageType = 5
	TypeUserListRequest      MessageType = 6
	TypeUserMoveRequest      MessageType = 7
	TypeMessageRequest       MessageType = 8
)

// Server → Client
const (
	TypeConnectionAccepted     MessageType = 9
	TypeConnectionRejected     MessageType = 10
	TypeConnectionTerminated   MessageType = 11
	TypeChannelList            MessageType = 12
	TypeChannelCreated         MessageType = 13
	TypeChannelModified        MessageType = 14
	TypeChannelDeleted         MessageType = 15
	TypeUserList               MessageType = 16
	TypeUserCreated            MessageType = 17
	TypeUserMoved              MessageType = 18
	TypeUserDeleted            MessageType = 19
	TypeMessage                MessageType = 20
	TypeUndefined              MessageType = 21 // never sent
	TypeInsufficientPermission MessageType = 22
)

var typeNames = map[MessageType]string{
	TypeConnectionRequest:      "CONNECTION_REQUEST",
	TypeDisconnectionRequest:   "DISCONNECTION_REQUEST",
	TypeChannelListRequest:     "CHANNEL_LIST_REQUEST",
	TypeChannelCreateRequest:   "CHANNEL_CREATE_REQUEST",
	TypeChannelModifyRequest:   "CHANNEL_MODIFY_REQUEST",
	TypeChannelDeleteRequest:   "CHANNEL_DELETE_REQUEST",
	TypeUserListRequest:        "USER_LIST_REQUEST",
	TypeUserMoveRequest:        "USER_MOVE_REQUEST",
	TypeMessageRequest:         "MESSAGE_REQUEST",
	TypeConnectionAccepted:     "CONNECTION_ACCEPTED",
	TypeConnectionRejected:     "CONNECTION_REJECTED",
	TypeConnectionTerminated:   "CONNECTION_TERMINATED",
	TypeChannelList:            "CHANNEL_LIST",
	TypeChannelCreated:         "CHANNEL_CREATED",
	TypeChannelModified:        "CHANNEL_MODIFIED",
	TypeChannelDeleted:         "CHANNEL_DELETED",
	TypeUserList:               "USER_LIST",
	TypeUserCreated:            "USER_CREATED",
	TypeUserMoved:              "USER_MOVED",
	TypeUserDeleted:            "USER_DELETED",
	TypeMessage:                "MESSAGE",
	TypeUndefined:              "UNDEFINED",
	TypeInsufficientPermission: "INSUFFICIENT_PERMISSION",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(t))
}

// New returns an empty message for the given tag, or nil if the tag has no
// decodable body (UNDEFINED and anything outside the catalogue).
func New(t MessageType) Message {
	switch t {
	case TypeConnectionRequest:
		return &ConnectionRequest{}
	case TypeDisconnectionRequest:
		return &DisconnectionRequest{}
	case TypeChannelListRequest:
		return &ChannelListRequest{}
	case TypeChannelCreateRequest:
		return &ChannelCreateRequest{}
	case TypeChannelModifyRequest:
		return &ChannelModifyRequest{}
	case TypeChannelDeleteRequest:
		return &ChannelDeleteRequest{}
	case TypeUserListRequest:
		return &UserListRequest{}
	case TypeUserMoveRequest:
		return &UserMoveRequest{}
	case TypeMessageRequest:
		return &MessageRequest{}
	case TypeConnectionAccepted:
		return &ConnectionAccepted{}
	case TypeConnectionRejected:
		return &ConnectionRejected{}
	case TypeConnectionTerminated:
		return &ConnectionTerminated{}
	case TypeChannelList:
		return &ChannelList{}
	case TypeChannelCreated:
		return &ChannelCreated{}
	case TypeChannelModified:
		return &ChannelModified{}
	case TypeChannelDeleted:
		return &ChannelDeleted{}
	case TypeUserList:
		return &UserList{}
	case TypeUserCreated:
		return &UserCreated{}
	case TypeUserMoved:
		return &UserMoved{}
	case TypeUserDeleted:
		return &UserDeleted{}
	case TypeMessage:
		return &ChatMessage{}
	case TypeInsufficientPermission:
		return &InsufficientPermission{}
	}
	return nil
}
