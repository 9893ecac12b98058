/*
Minos - Standalone mail authentication daemon.
Copyright © 2022-2023 Max Mazurov <fox.cpp@disroot.org>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package milter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-milter"
	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/minos/framework/dns"
	"github.com/foxcpp/minos/framework/exterrors"
	"github.com/foxcpp/minos/framework/future"
	"github.com/foxcpp/minos/framework/log"
	"github.com/foxcpp/minos/internal/authctx"
	"github.com/foxcpp/minos/internal/dkim"
	"github.com/foxcpp/minos/internal/dmarc"
	"github.com/foxcpp/minos/internal/spf"
	"github.com/foxcpp/minos/internal/stats"
	"github.com/google/uuid"
)

const (
	// acquireTimeout bounds how long EOM waits for a resolver slot.
	acquireTimeout = 5 * time.Second

	// evalTimeout bounds all DNS work done for one message.
	evalTimeout = 1 * time.Minute
)

// message is the per-transaction state. A milter connection may carry
// any number of transactions and the transport does not deliver abort
// events to the backend, so everything here is rebuilt in MailFrom and
// no field may pin a resource: a client that drops the connection
// mid-transaction leaves the message to the garbage collector. The
// policy fields are plain copies taken from the configuration snapshot
// current at MAIL FROM; a snapshot reference is held only inside the
// record fetch goroutines and EOM, where release is guaranteed.
type message struct {
	authservID string
	spf        bool
	senderID   bool
	dkim       authctx.DKIMPolicy
	dmarc      authctx.DMARCPolicy

	mailFrom string // reverse-path, "" for the null sender

	headers  []dkim.Header
	arFields int   // Authentication-Results fields seen so far
	forged   []int // 1-based per-name indices to delete at EOM

	verifier *dkim.Verifier
	noSigs   bool

	fromDomains []string
	fromErr     error

	fetches map[string]*future.Future // DMARC record, per From domain
}

type fetchedRecord struct {
	policyDomain string
	rec          *dmarc.Record
}

type session struct {
	endp *Endpoint
	log  log.Logger

	srcIP net.IP
	helo  string

	msg *message
}

func newSession(e *Endpoint) *session {
	s := &session{endp: e, log: e.log}
	if id, err := uuid.NewRandom(); err == nil {
		s.log.Fields = map[string]interface{}{"session": id.String()}
	}
	return s
}

func (s *session) Connect(host, family string, port uint16, addr net.IP, m *milter.Modifier) (milter.Response, error) {
	s.srcIP = addr

	c := s.endp.manager.Current()
	if c == nil {
		s.log.Msg("no authentication context, deferring connection", "src_host", host)
		return milter.RespTempFail, nil
	}
	excluded := c.Excluded(addr)
	c.Release()

	if excluded {
		s.log.DebugMsg("source excluded from authentication", "src_ip", addr)
		return milter.RespAccept, nil
	}
	s.log.DebugMsg("connection", "src_host", host, "src_ip", addr, "family", family)
	return milter.RespContinue, nil
}

func (s *session) Helo(name string, m *milter.Modifier) (milter.Response, error) {
	// Only the first HELO identity counts; later ones usually belong
	// to a STARTTLS renegotiation.
	if s.helo == "" {
		s.helo = name
	}
	return milter.RespContinue, nil
}

func (s *session) MailFrom(from string, m *milter.Modifier) (milter.Response, error) {
	s.reset()

	c := s.endp.manager.Current()
	if c == nil {
		s.log.Msg("no authentication context, deferring message")
		return milter.RespTempFail, nil
	}

	s.msg = &message{
		authservID: c.AuthservID,
		spf:        c.SPF,
		senderID:   c.SenderID,
		dkim:       c.DKIM,
		dmarc:      c.DMARC,
		mailFrom:   cleanReversePath(from),
	}
	c.Release()
	return milter.RespContinue, nil
}

func (s *session) RcptTo(rcptTo string, m *milter.Modifier) (milter.Response, error) {
	return milter.RespContinue, nil
}

func (s *session) Header(name, value string, m *milter.Modifier) (milter.Response, error) {
	msg := s.msg
	if msg == nil {
		return milter.RespContinue, nil
	}

	msg.headers = append(msg.headers, dkim.Header{Name: name, Value: value})

	if strings.EqualFold(name, "Authentication-Results") {
		msg.arFields++
		if forgedAuthRes(msg.authservID, value) {
			// CHGHEADER indices are 1-based among same-name fields.
			msg.forged = append(msg.forged, msg.arFields)
		}
	}
	return milter.RespContinue, nil
}

func (s *session) Headers(_ textproto.MIMEHeader, m *milter.Modifier) (milter.Response, error) {
	msg := s.msg
	if msg == nil {
		return milter.RespContinue, nil
	}
	if msg.dkim.Enable {
		v, err := dkim.NewVerifier(msg.dkim.Verify, s.log, msg.headers, false)
		if err != nil && !errors.Is(err, dkim.ErrNoSignatures) {
			return nil, err
		}
		msg.verifier = v
		msg.noSigs = errors.Is(err, dkim.ErrNoSignatures)
	}

	msg.fromDomains, msg.fromErr = fromDomains(msg.headers)

	// The record fetch overlaps body streaming. The goroutine owns its
	// snapshot reference and its resolver lease, a dropped connection
	// cannot strand either.
	if msg.dmarc.Enable {
		msg.fetches = make(map[string]*future.Future, len(msg.fromDomains))
		for _, domain := range msg.fromDomains {
			f := future.New()
			msg.fetches[domain] = f
			go fetchDMARC(s.endp.manager, domain, f)
		}
	}
	return milter.RespContinue, nil
}

func fetchDMARC(m *authctx.Manager, domain string, f *future.Future) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	c := m.Current()
	if c == nil {
		f.Set(nil, exterrors.WithTemporary(errors.New("no authentication context"), true))
		return
	}
	defer c.Release()

	lease, err := c.Resolvers.Acquire(ctx)
	if err != nil {
		f.Set(nil, err)
		return
	}
	defer lease.Release()

	policyDomain, rec, err := dmarc.FetchRecord(ctx, lease, c.PSL, domain)
	if err != nil {
		f.Set(nil, err)
		return
	}
	f.Set(fetchedRecord{policyDomain: policyDomain, rec: rec}, nil)
}

func (s *session) Abort(m *milter.Modifier) error {
	s.reset()
	return nil
}

func (s *session) BodyChunk(chunk []byte, m *milter.Modifier) (milter.Response, error) {
	if s.msg != nil && s.msg.verifier != nil {
		s.msg.verifier.WriteBody(chunk)
	}
	return milter.RespContinue, nil
}

func (s *session) Body(m *milter.Modifier) (milter.Response, error) {
	msg := s.msg
	if msg == nil {
		return milter.RespAccept, nil
	}
	defer s.reset()

	slog := s.log
	if qid := m.Macros["i"]; qid != "" {
		fields := map[string]interface{}{"queue_id": qid}
		for k, v := range s.log.Fields {
			fields[k] = v
		}
		slog.Fields = fields
	}

	c := s.endp.manager.Current()
	if c == nil {
		slog.Msg("no authentication context, deferring message")
		return milter.RespTempFail, nil
	}
	defer c.Release()

	evalCtx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	acqCtx, acqCancel := context.WithTimeout(evalCtx, acquireTimeout)
	lease, err := c.Resolvers.Acquire(acqCtx)
	acqCancel()
	if err != nil {
		slog.Error("no resolver available, deferring message", err)
		return milter.RespTempFail, nil
	}
	defer lease.Release()

	ar := arBuilder{authservID: msg.authservID}
	var alignInput []authres.Result

	if msg.spf {
		res := s.checkSPF(evalCtx, lease)
		var props []Prop
		if msg.mailFrom != "" {
			props = append(props, Prop{"smtp", "mailfrom", msg.mailFrom})
		} else if res.Helo != "" {
			// Null reverse-path: the HELO identity was checked.
			props = append(props, Prop{"smtp", "helo", res.Helo})
		}
		ar.add(MethodResult{Method: "spf", Value: res.Value, Reason: res.Reason, Props: props})
		c.Stats.Inc(stats.MethodSPF, res.Value)
		alignInput = append(alignInput, &res)
	}

	if msg.senderID {
		res := s.checkSenderID(evalCtx, lease, msg.headers)
		var props []Prop
		if res.HeaderKey != "" && res.HeaderValue != "" {
			props = append(props, Prop{"header", strings.ToLower(res.HeaderKey), res.HeaderValue})
		}
		ar.add(MethodResult{Method: "sender-id", Value: res.Value, Reason: res.Reason, Props: props})
		c.Stats.Inc(stats.MethodSenderID, res.Value)
	}

	author := ""
	if len(msg.fromDomains) > 0 {
		author = msg.fromDomains[0]
	}

	if msg.dkim.Enable && msg.verifier != nil {
		msg.verifier.Verify(evalCtx, lease)

		if msg.noSigs {
			ar.add(MethodResult{Method: "dkim", Value: authres.ResultNone})
			c.Stats.Inc(stats.MethodDKIM, authres.ResultNone)
		}
		for _, fr := range msg.verifier.Results() {
			props := make([]Prop, 0, 3)
			if fr.SDID != "" {
				props = append(props, Prop{"header", "d", fr.SDID})
			}
			if fr.Selector != "" {
				props = append(props, Prop{"header", "s", fr.Selector})
			}
			if fr.AUID != "" {
				props = append(props, Prop{"header", "i", fr.AUID})
			}
			comment := ""
			if fr.Testing {
				comment = "key in test mode"
			}
			ar.add(MethodResult{
				Method:  "dkim",
				Value:   fr.Value,
				Reason:  fr.Reason,
				Comment: comment,
				Props:   props,
			})
			c.Stats.Inc(stats.MethodDKIM, fr.Value)
			alignInput = append(alignInput, &authres.DKIMResult{
				Value:      fr.Value,
				Domain:     fr.SDID,
				Identifier: fr.AUID,
			})
		}

		if msg.dkim.ADSP {
			res := MethodResult{Method: "dkim-adsp"}
			if author == "" {
				res.Value = authres.ResultPermError
				res.Reason = "no author domain"
			} else {
				res.Value = msg.verifier.CheckADSP(evalCtx, lease, author)
				res.Props = []Prop{{"header", "from", author}}
			}
			ar.add(res)
			c.Stats.Inc(stats.MethodADSP, res.Value)
		}

		if msg.dkim.ATPS {
			res := MethodResult{Method: "dkim-atps"}
			if author == "" {
				res.Value = authres.ResultPermError
				res.Reason = "no author domain"
			} else {
				var sdid string
				res.Value, sdid = msg.verifier.CheckATPS(evalCtx, lease, author, msg.dkim.ATPSHash)
				res.Props = []Prop{{"header", "from", author}}
				if sdid != "" {
					res.Props = append(res.Props, Prop{"header", "d", sdid})
				}
			}
			ar.add(res)
			c.Stats.Inc(stats.MethodATPS, res.Value)
		}
	}

	policy := dmarc.PolicyNone
	if msg.dmarc.Enable {
		if len(msg.fromDomains) == 0 {
			if msg.fromErr != nil {
				slog.DebugMsg("DMARC not evaluable", "reason", msg.fromErr)
			}
			ar.add(MethodResult{
				Method: "dmarc",
				Value:  authres.ResultPermError,
				Reason: "no usable From domain",
			})
			c.Stats.Inc(stats.MethodDMARC, authres.ResultPermError)
		}
		for _, domain := range msg.fromDomains {
			res, domainPolicy := s.evalDMARC(evalCtx, slog, c, domain, msg.fetches[domain], alignInput)
			ar.add(res)
			c.Stats.Inc(stats.MethodDMARC, res.Value)
			// From fields with several mailboxes are almost always
			// abuse; the strictest verdict wins.
			policy = dmarc.Strictest(policy, domainPolicy)
		}
	}

	// Highest index first so deletions do not renumber what is left.
	for i := len(msg.forged) - 1; i >= 0; i-- {
		if err := m.ChangeHeader(msg.forged[i], "Authentication-Results", ""); err != nil {
			return nil, err
		}
	}
	if len(msg.forged) > 0 {
		slog.Msg("forged Authentication-Results fields removed",
			"count", len(msg.forged), "src_ip", s.srcIP)
	}

	if err := m.InsertHeader(1, "Authentication-Results", ar.render()); err != nil {
		return nil, err
	}

	if policy == dmarc.PolicyReject {
		switch msg.dmarc.RejectAction {
		case authctx.ActionReject:
			slog.Msg("message rejected per DMARC policy",
				"from_domain", author, "src_ip", s.srcIP)
			return milter.NewResponseStr('y', // SMFIR_REPLYCODE
				fmt.Sprintf("%d %s %s", msg.dmarc.RejectCode, msg.dmarc.RejectECode, msg.dmarc.RejectText)), nil
		case authctx.ActionTempFail:
			slog.Msg("message deferred per DMARC policy",
				"from_domain", author, "src_ip", s.srcIP)
			return milter.NewResponseStr('y',
				fmt.Sprintf("451 4.7.1 %s", msg.dmarc.RejectText)), nil
		case authctx.ActionDiscard:
			slog.Msg("message discarded per DMARC policy",
				"from_domain", author, "src_ip", s.srcIP)
			return milter.RespDiscard, nil
		case authctx.ActionNone:
			// Annotation is the whole enforcement. Quarantine requests
			// land here too, there is no folder to divert to.
		}
	}

	return milter.RespAccept, nil
}

func (s *session) checkSPF(ctx context.Context, resolver dns.Resolver) authres.SPFResult {
	if s.srcIP == nil {
		// Local socket or unknown address family.
		return authres.SPFResult{
			Value:  authres.ResultPermError,
			Reason: "no client address",
			Helo:   s.helo,
		}
	}
	return spf.CheckMailFrom(ctx, resolver, s.srcIP, s.helo, s.msg.mailFrom)
}

func (s *session) checkSenderID(ctx context.Context, resolver dns.Resolver, headers []dkim.Header) authres.SenderIDResult {
	if s.srcIP == nil {
		return authres.SenderIDResult{
			Value:  authres.ResultPermError,
			Reason: "no client address",
		}
	}
	view := make([]spf.Header, len(headers))
	for i, h := range headers {
		view[i] = spf.Header{Name: h.Name, Value: h.Value}
	}
	return spf.CheckSenderID(ctx, resolver, s.srcIP, s.helo, view)
}

func (s *session) evalDMARC(ctx context.Context, slog log.Logger, c *authctx.Context,
	domain string, f *future.Future, alignInput []authres.Result) (MethodResult, dmarc.Policy) {
	res := MethodResult{
		Method: "dmarc",
		Props:  []Prop{{"header", "from", domain}},
	}
	if f == nil {
		res.Value = authres.ResultPermError
		return res, dmarc.PolicyNone
	}

	val, err := f.GetContext(ctx)
	if err != nil {
		if exterrors.IsTemporaryOrUnspec(err) {
			res.Value = authres.ResultTempError
		} else {
			res.Value = authres.ResultPermError
		}
		res.Reason = "policy discovery failed"
		slog.Error("DMARC policy discovery failed", err, "domain", domain)
		return res, dmarc.PolicyNone
	}

	fetched := val.(fetchedRecord)
	if fetched.rec == nil {
		res.Value = authres.ResultNone
		return res, dmarc.PolicyNone
	}

	eval := dmarc.EvaluateAlignment(c.PSL, domain, fetched.rec, alignInput)
	res.Value = eval.Authres.Value
	res.Reason = eval.Authres.Reason

	policy := dmarc.ReceiverPolicy(domain, fetched.policyDomain, fetched.rec, eval, dmarc.RollPercent)
	return res, policy
}

// reset drops the per-message state.
func (s *session) reset() {
	s.msg = nil
}

func cleanReversePath(from string) string {
	from = strings.TrimSpace(from)
	from = strings.TrimPrefix(from, "<")
	return strings.TrimSuffix(from, ">")
}

// fromDomains extracts the domains of all RFC5322.From mailboxes from
// the first From field, normalized for lookup and deduplicated in
// order of appearance.
func fromDomains(headers []dkim.Header) ([]string, error) {
	value := ""
	for _, h := range headers {
		if strings.EqualFold(h.Name, "From") {
			value = h.Value
			break
		}
	}
	if value == "" {
		return nil, errors.New("no From field")
	}

	// Unfold before handing the value to the address parser.
	value = strings.ReplaceAll(value, "\r\n", "")
	value = strings.ReplaceAll(value, "\n", "")

	list, err := mail.ParseAddressList(value)
	if err != nil {
		return nil, fmt.Errorf("malformed From field: %w", err)
	}

	domains := make([]string, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, a := range list {
		at := strings.LastIndexByte(a.Address, '@')
		if at < 0 {
			return nil, errors.New("From mailbox without a domain")
		}
		domain, err := dns.ForLookup(a.Address[at+1:])
		if err != nil {
			return nil, fmt.Errorf("From domain: %w", err)
		}
		if _, ok := seen[domain]; ok {
			continue
		}
		seen[domain] = struct{}{}
		domains = append(domains, domain)
	}
	return domains, nil
}
