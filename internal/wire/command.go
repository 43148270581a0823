package wire

// CommandType is the 1-byte type tag carried on every frame (spec §4.1).
type CommandType byte

const (
	CmdHello CommandType = iota + 1
	CmdLogin
	CmdResponse

	CmdCollectionCreate
	CmdCollectionModify
	CmdCollectionMove
	CmdCollectionDelete
	CmdCollectionFetchStatistics
	CmdCollectionSubscribe
	CmdCollectionUnsubscribe

	CmdItemCreate
	CmdItemModify
	CmdItemMove
	CmdItemDelete
	CmdItemLink
	CmdItemUnlink
	CmdItemFetch

	CmdTagCreate
	CmdTagModify
	CmdTagDelete
	CmdTagFetch

	CmdSearchModify
	CmdSearchResult

	CmdSubscriptionCreate
	CmdSubscriptionModify

	CmdBegin
	CmdCommit
	CmdRollback
	CmdSelectResource
)

var knownCommandTypes = map[CommandType]string{
	CmdHello: "Hello", CmdLogin: "Login", CmdResponse: "Response",
	CmdCollectionCreate: "Collection.Create", CmdCollectionModify: "Collection.Modify",
	CmdCollectionMove: "Collection.Move", CmdCollectionDelete: "Collection.Delete",
	CmdCollectionFetchStatistics: "Collection.FetchStatistics",
	CmdCollectionSubscribe:       "Collection.Subscribe",
	CmdCollectionUnsubscribe:     "Collection.Unsubscribe",
	CmdItemCreate:                "Item.Create", CmdItemModify: "Item.Modify",
	CmdItemMove: "Item.Move", CmdItemDelete: "Item.Delete",
	CmdItemLink: "Item.Link", CmdItemUnlink: "Item.Unlink", CmdItemFetch: "Item.Fetch",
	CmdTagCreate: "Tag.Create", CmdTagModify: "Tag.Modify", CmdTagDelete: "Tag.Delete",
	CmdTagFetch:     "Tag.Fetch",
	CmdSearchModify: "Search.Modify", CmdSearchResult: "Search.Result",
	CmdSubscriptionCreate: "Subscription.Create", CmdSubscriptionModify: "Subscription.Modify",
	CmdBegin: "Begin", CmdCommit: "Commit", CmdRollback: "Rollback",
	CmdSelectResource: "SelectResource",
}

// Name returns the verb name used in log lines and error text, or "" if t
// is not a recognized command type.
func (t CommandType) Name() string { return knownCommandTypes[t] }

func (t CommandType) valid() bool {
	_, ok := knownCommandTypes[t]
	return ok
}

// Field is one named, typed argument of a Command. Fields are carried in
// an explicit slice (not a map) so the wire encoding is deterministic.
type Field struct {
	Name  string
	Value Value
}

// Tag identifies a command/response pair across the life of a connection.
// Per Testable Property 1, tags must increase strictly within a session
// and are never reused across a reconnect.
type Tag int64

// Command is one parsed frame: a tag, a type, and its fields.
type Command struct {
	Tag    Tag
	Type   CommandType
	Fields []Field
}

// Get returns the named field's value, or (Value{}, false) if absent.
func (c Command) Get(name string) (Value, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

func (c Command) String(name string) string {
	if v, ok := c.Get(name); ok {
		return v.S
	}
	return ""
}

func (c Command) Int64(name string) int64 {
	if v, ok := c.Get(name); ok {
		return v.I
	}
	return 0
}

func (c Command) Bytes(name string) []byte {
	if v, ok := c.Get(name); ok {
		return v.B
	}
	return nil
}

// WithField returns a copy of c with the named field set, replacing any
// existing field of the same name.
func (c Command) WithField(name string, v Value) Command {
	out := Command{Tag: c.Tag, Type: c.Type, Fields: make([]Field, 0, len(c.Fields)+1)}
	replaced := false
	for _, f := range c.Fields {
		if f.Name == name {
			out.Fields = append(out.Fields, Field{Name: name, Value: v})
			replaced = true
			continue
		}
		out.Fields = append(out.Fields, f)
	}
	if !replaced {
		out.Fields = append(out.Fields, Field{Name: name, Value: v})
	}
	return out
}

// NewHello builds the server's greeting command (spec §6.1).
func NewHello(serverName, message string, protocolVersion int, generation uint64) Command {
	return Command{
		Type: CmdHello,
		Fields: []Field{
			{"serverName", String(serverName)},
			{"message", String(message)},
			{"protocolVersion", Int64(int64(protocolVersion))},
			{"generation", Int64(int64(generation))},
		},
	}
}

// NewLogin builds a client Login command carrying the session secret.
func NewLogin(tag Tag, sessionID []byte) Command {
	return Command{Tag: tag, Type: CmdLogin, Fields: []Field{{"sessionId", Bytes(sessionID)}}}
}

// ResponseStatus is the tagged outcome of a command, per spec §6.1/§6.4.
type ResponseStatus byte

const (
	StatusOK ResponseStatus = iota
	StatusNO
	StatusBAD
)

// NewResponse builds a tagged OK/NO/BAD response command.
func NewResponse(tag Tag, status ResponseStatus, reason string) Command {
	return Command{
		Tag:  tag,
		Type: CmdResponse,
		Fields: []Field{
			{"status", Int64(int64(status))},
			{"reason", String(reason)},
		},
	}
}
