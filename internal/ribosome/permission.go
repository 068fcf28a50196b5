package ribosome

import "fmt"

// HostFn enumerates the host-call surface a guest zome may invoke, per
// §4.11.
type HostFn uint8

const (
	HostCreate HostFn = iota
	HostUpdate
	HostDelete
	HostCreateLink
	HostDeleteLink
	HostGet
	HostGetDetails
	HostGetLinks
	HostGetAgentActivity
	HostMustGetEntry
	HostMustGetAction
	HostMustGetValidRecord
	HostMustGetAgentActivity
	HostCallRemote
	HostRemoteSignal
	HostSign
	HostVerifySignature
	HostRandomBytes
	HostSysTime
	HostAgentInfo
	HostDnaInfo
	HostZomeInfo
	HostX25519XSalsa20Poly1305Encrypt
	HostX25519XSalsa20Poly1305Decrypt
	HostEmitSignal
)

func (f HostFn) String() string {
	switch f {
	case HostCreate:
		return "create"
	case HostUpdate:
		return "update"
	case HostDelete:
		return "delete"
	case HostCreateLink:
		return "create_link"
	case HostDeleteLink:
		return "delete_link"
	case HostGet:
		return "get"
	case HostGetDetails:
		return "get_details"
	case HostGetLinks:
		return "get_links"
	case HostGetAgentActivity:
		return "get_agent_activity"
	case HostMustGetEntry:
		return "must_get_entry"
	case HostMustGetAction:
		return "must_get_action"
	case HostMustGetValidRecord:
		return "must_get_valid_record"
	case HostMustGetAgentActivity:
		return "must_get_agent_activity"
	case HostCallRemote:
		return "call_remote"
	case HostRemoteSignal:
		return "remote_signal"
	case HostSign:
		return "sign"
	case HostVerifySignature:
		return "verify_signature"
	case HostRandomBytes:
		return "random_bytes"
	case HostSysTime:
		return "sys_time"
	case HostAgentInfo:
		return "agent_info"
	case HostDnaInfo:
		return "dna_info"
	case HostZomeInfo:
		return "zome_info"
	case HostX25519XSalsa20Poly1305Encrypt:
		return "x25519_xsalsa20poly1305_encrypt"
	case HostX25519XSalsa20Poly1305Decrypt:
		return "x25519_xsalsa20poly1305_decrypt"
	case HostEmitSignal:
		return "emit_signal"
	default:
		return fmt.Sprintf("HostFn(%d)", uint8(f))
	}
}

// InvocationContext discriminates which guest entry point is calling into
// the host, per §4.11's permission table columns.
type InvocationContext uint8

const (
	ZomeCall InvocationContext = iota
	Validate
	PostCommit
	Init
	GenesisSelfCheck
)

func (c InvocationContext) String() string {
	switch c {
	case ZomeCall:
		return "ZomeCall"
	case Validate:
		return "Validate"
	case PostCommit:
		return "PostCommit"
	case Init:
		return "Init"
	case GenesisSelfCheck:
		return "GenesisSelfCheck"
	default:
		return fmt.Sprintf("InvocationContext(%d)", uint8(c))
	}
}

// permissionTable is the static (HostFn, InvocationContext) -> allowed map
// of §4.11's table. Writes and get/get_details/get_links (which read
// uncommitted scratch state) are unavailable from Validate, which must use
// the must_get_* family instead; GenesisSelfCheck is the most restricted
// context, limited to pure/deterministic host calls.
var permissionTable = map[HostFn]map[InvocationContext]bool{
	HostCreate:     {ZomeCall: true, Init: true},
	HostUpdate:     {ZomeCall: true, Init: true},
	HostDelete:     {ZomeCall: true, Init: true},
	HostCreateLink: {ZomeCall: true, Init: true},
	HostDeleteLink: {ZomeCall: true, Init: true},

	HostGet:              {ZomeCall: true, PostCommit: true, Init: true},
	HostGetDetails:       {ZomeCall: true, PostCommit: true, Init: true},
	HostGetLinks:         {ZomeCall: true, PostCommit: true, Init: true},
	HostGetAgentActivity: {ZomeCall: true, PostCommit: true, Init: true},

	HostMustGetEntry:         {ZomeCall: true, Validate: true, PostCommit: true, Init: true},
	HostMustGetAction:        {ZomeCall: true, Validate: true, PostCommit: true, Init: true},
	HostMustGetValidRecord:   {ZomeCall: true, Validate: true, PostCommit: true, Init: true},
	HostMustGetAgentActivity: {ZomeCall: true, Validate: true, PostCommit: true, Init: true},

	HostCallRemote:   {ZomeCall: true, PostCommit: true},
	HostRemoteSignal: {ZomeCall: true, PostCommit: true},

	HostSign:            {ZomeCall: true, Validate: true, PostCommit: true, Init: true, GenesisSelfCheck: true},
	HostVerifySignature: {ZomeCall: true, Validate: true, PostCommit: true, Init: true, GenesisSelfCheck: true},

	HostRandomBytes: {ZomeCall: true, PostCommit: true, Init: true},
	HostSysTime:     {ZomeCall: true, PostCommit: true, Init: true},

	HostAgentInfo: {ZomeCall: true, Validate: true, PostCommit: true, Init: true, GenesisSelfCheck: true},
	HostDnaInfo:   {ZomeCall: true, Validate: true, PostCommit: true, Init: true, GenesisSelfCheck: true},
	HostZomeInfo:  {ZomeCall: true, Validate: true, PostCommit: true, Init: true, GenesisSelfCheck: true},

	HostX25519XSalsa20Poly1305Encrypt: {ZomeCall: true, PostCommit: true, Init: true},
	HostX25519XSalsa20Poly1305Decrypt: {ZomeCall: true, PostCommit: true, Init: true},

	HostEmitSignal: {ZomeCall: true, PostCommit: true, Init: true},
}

// HostFnPermissionsError is returned when a call is not permitted in the
// current invocation context.
type HostFnPermissionsError struct {
	Zome     string
	Function string
	Call     HostFn
	Context  InvocationContext
}

func (e *HostFnPermissionsError) Error() string {
	return fmt.Sprintf("ribosome: %s/%s: host call %s not permitted in %s", e.Zome, e.Function, e.Call, e.Context)
}

func checkPermission(fn HostFn, ctx InvocationContext, zome, function string) error {
	if permissionTable[fn][ctx] {
		return nil
	}
	return &HostFnPermissionsError{Zome: zome, Function: function, Call: fn, Context: ctx}
}
