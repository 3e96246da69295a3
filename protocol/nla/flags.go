package nla

/**
 * NTLM negotiate flags
 * @see https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-nlmp/99d90ff4-957f-4c8a-80e4-5bfe5a9a9832
 */
const (
	NTLMSSP_NEGOTIATE_56                       uint32 = 0x80000000
	NTLMSSP_NEGOTIATE_KEY_EXCH                        = 0x40000000
	NTLMSSP_NEGOTIATE_128                             = 0x20000000
	NTLMSSP_NEGOTIATE_VERSION                         = 0x02000000
	NTLMSSP_NEGOTIATE_TARGET_INFO                     = 0x00800000
	NTLMSSP_REQUEST_NON_NT_SESSION_KEY                = 0x00400000
	NTLMSSP_NEGOTIATE_IDENTIFY                        = 0x00100000
	NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY        = 0x00080000
	NTLMSSP_TARGET_TYPE_SERVER                        = 0x00020000
	NTLMSSP_TARGET_TYPE_DOMAIN                        = 0x00010000
	NTLMSSP_NEGOTIATE_ALWAYS_SIGN                     = 0x00008000
	NTLMSSP_NEGOTIATE_OEM_WORKSTATION_SUPPLIED        = 0x00002000
	NTLMSSP_NEGOTIATE_OEM_DOMAIN_SUPPLIED             = 0x00001000
	NTLMSSP_NEGOTIATE_NTLM                            = 0x00000200
	NTLMSSP_NEGOTIATE_LM_KEY                          = 0x00000080
	NTLMSSP_NEGOTIATE_DATAGRAM                        = 0x00000040
	NTLMSSP_NEGOTIATE_SEAL                            = 0x00000020
	NTLMSSP_NEGOTIATE_SIGN                            = 0x00000010
	NTLMSSP_REQUEST_TARGET                            = 0x00000004
	NTLM_NEGOTIATE_OEM                                = 0x00000002
	NTLMSSP_NEGOTIATE_UNICODE                         = 0x00000001
)

// negotiateFlagsDefault is what the initiator asks for and the acceptor
// is willing to grant.
const negotiateFlagsDefault = NTLMSSP_NEGOTIATE_56 |
	NTLMSSP_NEGOTIATE_KEY_EXCH |
	NTLMSSP_NEGOTIATE_128 |
	NTLMSSP_NEGOTIATE_VERSION |
	NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY |
	NTLMSSP_NEGOTIATE_ALWAYS_SIGN |
	NTLMSSP_NEGOTIATE_NTLM |
	NTLMSSP_NEGOTIATE_SEAL |
	NTLMSSP_NEGOTIATE_SIGN |
	NTLMSSP_REQUEST_TARGET |
	NTLMSSP_NEGOTIATE_UNICODE
