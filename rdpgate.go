// Package rdpgate is an intercepting proxy for the RDP connection
// sequence: it terminates the client connection, authenticates the
// client against proxy credentials, replays target credentials on a
// second leg, and relays the sealed session while optionally capturing
// the plaintext.
package rdpgate

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/nakagami/rdpgate/capture"
	"github.com/nakagami/rdpgate/identity"
	"github.com/nakagami/rdpgate/protocol/nla"
	"github.com/nakagami/rdpgate/protocol/tpkt"
	"github.com/nakagami/rdpgate/protocol/x224"
)

type Config struct {
	ListenAddr     string
	IdentitiesFile string
	CertFile       string
	KeyFile        string

	// PcapFile enables plaintext capture of the relayed session.
	PcapFile string
}

type Proxy struct {
	config    Config
	tlsConfig *tls.Config
}

func NewProxy(config Config) (*Proxy, error) {
	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &Proxy{
		config:    config,
		tlsConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}, nil
}

func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return err
	}
	defer listener.Close()
	slog.Info("listening", "addr", p.config.ListenAddr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := p.handleConn(conn); err != nil {
				slog.Error("session failed", "client", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// handleConn runs one proxied session to completion.
func (p *Proxy) handleConn(clientConn net.Conn) error {
	defer clientConn.Close()
	slog.Info("client connected", "addr", clientConn.RemoteAddr())

	clientFramer := newFramer(clientConn)

	// connection initiation: the client must present an mstshash cookie
	// and request hybrid security; the principal is resolved later from
	// the NTLM user name
	code, payload, err := clientFramer.ReadTPDU()
	if err != nil {
		return err
	}
	negoData, protocol, _, err := x224.ParseNegotiationRequest(code, payload)
	if err != nil {
		return err
	}
	if negoData == nil || negoData.Type != x224.NEGO_COOKIE {
		return p.refuse(clientFramer, x224.SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER,
			errors.New("rdpgate: client did not present an mstshash cookie"))
	}
	if protocol&x224.PROTOCOL_HYBRID == 0 {
		return p.refuse(clientFramer, x224.HYBRID_REQUIRED_BY_SERVER,
			fmt.Errorf("rdpgate: client requested protocols 0x%x without hybrid", protocol))
	}
	if err := clientFramer.WriteNegotiationResponse(x224.PROTOCOL_HYBRID); err != nil {
		return err
	}

	// the proxy terminates the security layer itself
	clientTLS := tls.Server(clientConn, p.tlsConfig)
	if err := clientTLS.Handshake(); err != nil {
		return fmt.Errorf("client tls: %w", err)
	}

	identities := identity.NewIdentitiesProxy(p.config.IdentitiesFile)
	clientCtx := nla.NewNTLMv2Server(identities)
	if err := acceptNTLM(clientTLS, clientCtx); err != nil {
		return fmt.Errorf("client authentication: %w", err)
	}

	resolved := identities.Resolved()
	if resolved == nil {
		return errors.New("rdpgate: no identity resolved")
	}
	slog.Info("client authenticated", "user", clientCtx.User(), "destination", resolved.Destination)

	// backend leg with the target credentials the client never sees
	serverConn, err := net.Dial("tcp", resolved.Destination)
	if err != nil {
		return fmt.Errorf("dial destination: %w", err)
	}
	defer serverConn.Close()

	serverCtx := nla.NewNTLMv2(resolved.Target.Domain, resolved.Target.Username, resolved.Target.Password)
	serverTLS, err := p.connectServer(serverConn, resolved.Target.Username, serverCtx)
	if err != nil {
		return fmt.Errorf("server leg: %w", err)
	}

	var interceptor *capture.Interceptor
	if p.config.PcapFile != "" {
		serverAddr, _ := serverConn.RemoteAddr().(*net.TCPAddr)
		clientAddr, _ := clientConn.RemoteAddr().(*net.TCPAddr)
		if serverAddr != nil && clientAddr != nil {
			if interceptor, err = capture.NewInterceptor(serverAddr, clientAddr, p.config.PcapFile); err != nil {
				return err
			}
			interceptor.SetMessageReader(splitTPKTFrames)
			defer interceptor.Close()
		}
	}

	return relay(clientTLS, serverTLS, clientCtx, serverCtx, interceptor,
		clientConn.RemoteAddr(), serverConn.RemoteAddr())
}

func (p *Proxy) refuse(f *framer, code uint32, cause error) error {
	if err := f.WriteNegotiationFailure(code); err != nil {
		return err
	}
	return cause
}

// connectServer performs negotiation, TLS and the NTLM initiator
// handshake on the backend leg.
func (p *Proxy) connectServer(conn net.Conn, username string, ctx *nla.NTLMv2) (*tls.Conn, error) {
	f := newFramer(conn)
	if err := f.WriteNegotiationRequest(username, x224.PROTOCOL_HYBRID); err != nil {
		return nil, err
	}
	code, payload, err := f.ReadTPDU()
	if err != nil {
		return nil, err
	}
	selected, _, err := x224.ParseNegotiationResponse(code, payload)
	if err != nil {
		return nil, err
	}
	if selected != x224.PROTOCOL_HYBRID {
		return nil, fmt.Errorf("rdpgate: server selected protocol 0x%x, want hybrid", selected)
	}

	// the backend is addressed by IP and usually carries a self-signed
	// certificate; the NTLM exchange authenticates the peer
	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}

	if err := initializeNTLM(tlsConn, ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// acceptNTLM runs the acceptor side of the NTLM exchange: NEGOTIATE in,
// CHALLENGE out, AUTHENTICATE in, then completion.
func acceptNTLM(rw io.ReadWriter, ctx *nla.NTLMv2) error {
	negotiate, err := readBlob(rw)
	if err != nil {
		return err
	}
	challenge, _, err := ctx.AcceptSecurityContext(negotiate)
	if err != nil {
		return err
	}
	if err := writeBlob(rw, challenge); err != nil {
		return err
	}

	authenticate, err := readBlob(rw)
	if err != nil {
		return err
	}
	if _, _, err := ctx.AcceptSecurityContext(authenticate); err != nil {
		return err
	}
	return ctx.CompleteAuthToken()
}

// initializeNTLM runs the initiator side of the NTLM exchange.
func initializeNTLM(rw io.ReadWriter, ctx *nla.NTLMv2) error {
	negotiate, _, err := ctx.InitializeSecurityContext(nil)
	if err != nil {
		return err
	}
	if err := writeBlob(rw, negotiate); err != nil {
		return err
	}

	challenge, err := readBlob(rw)
	if err != nil {
		return err
	}
	authenticate, _, err := ctx.InitializeSecurityContext(challenge)
	if err != nil {
		return err
	}
	return writeBlob(rw, authenticate)
}

// relay forwards sealed traffic both ways, resealing every TPKT frame
// under the opposite leg's context and feeding the plaintext to the
// interceptor.
func relay(client, server io.ReadWriter, clientCtx, serverCtx *nla.NTLMv2,
	interceptor *capture.Interceptor, clientAddr, serverAddr net.Addr) error {

	errs := make(chan error, 2)
	go func() { errs <- pump(client, server, clientCtx, serverCtx, interceptor, clientAddr) }()
	go func() { errs <- pump(server, client, serverCtx, clientCtx, interceptor, serverAddr) }()

	err := <-errs
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// pump moves one direction: unseal from src, capture, reseal to dst.
func pump(src, dst io.ReadWriter, srcCtx, dstCtx *nla.NTLMv2,
	interceptor *capture.Interceptor, srcAddr net.Addr) error {

	for {
		sealed, err := readBlob(src)
		if err != nil {
			return err
		}
		plaintext, err := srcCtx.Unseal(sealed)
		if err != nil {
			return err
		}
		if interceptor != nil {
			interceptor.OnPacket(srcAddr, plaintext)
		}
		resealed, err := dstCtx.Seal(plaintext)
		if err != nil {
			return err
		}
		if err := writeBlob(dst, resealed); err != nil {
			return err
		}
	}
}

// splitTPKTFrames extracts whole TPKT frames from an accumulating
// buffer so no captured packet mixes bytes of two TPDUs.
func splitTPKTFrames(buff *[]byte) [][]byte {
	var frames [][]byte
	for {
		ln, err := tpkt.PeekLen(*buff)
		if err != nil || len(*buff) < int(ln) {
			return frames
		}
		frames = append(frames, (*buff)[:ln])
		*buff = (*buff)[ln:]
	}
}
