package features

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"

	"github.com/johnjansen/pulsekit/codec"
	"github.com/johnjansen/pulsekit/event"
	"github.com/johnjansen/pulsekit/method"
	"github.com/johnjansen/pulsekit/node"
)

// suite holds the state threaded through one scenario, mirroring
// buffkit's BasicTestSuite shape.
type suite struct {
	methods *method.Registry
	events  *event.Registry
	nodes   map[string]*node.Node
	sent    map[string][]*codec.Envelope
	reply   *codec.Envelope
	err     error
}

func newSuite() *suite {
	return &suite{
		methods: method.NewRegistry(),
		events:  event.NewRegistry(nil, nil),
		nodes:   make(map[string]*node.Node),
		sent:    make(map[string][]*codec.Envelope),
	}
}

type recordingTransport struct {
	s    *suite
	name string
}

func (t recordingTransport) WriteEnvelope(env *codec.Envelope) error {
	t.s.sent[t.name] = append(t.s.sent[t.name], env)
	return nil
}
func (t recordingTransport) Close() error { return nil }

func (s *suite) client(name string) *node.Node {
	n, ok := s.nodes[name]
	if !ok {
		n = node.New(recordingTransport{s: s, name: name}, node.Meta{}, nil, nil)
		s.nodes[name] = n
	}
	return n
}

func (s *suite) iRegisterASumMethod() error {
	s.methods.Add("sum", func(ctx context.Context, n *node.Node, params any) (any, error) {
		p := params.(map[string]any)
		return p["a"].(float64) + p["b"].(float64), nil
	}, method.Options{})
	return nil
}

func (s *suite) iRegisterAGreetMethodWithTwoMiddleware() error {
	s.methods.Add("greet", func(ctx context.Context, n *node.Node, params any) (any, error) {
		return params, nil
	}, method.Options{
		Middleware: []method.Middleware{
			func(ctx context.Context, n *node.Node, params any) (any, error) {
				return map[string]any{"hello": true}, nil
			},
			func(ctx context.Context, n *node.Node, params any) (any, error) {
				return map[string]any{"world": true}, nil
			},
		},
	})
	return nil
}

func (s *suite) iRegisterAPingMethodRequiringAnInteger() error {
	s.methods.Add("ping", func(ctx context.Context, n *node.Node, params any) (any, error) {
		return "pong", nil
	}, method.Options{Schema: `{"type":"object","required":["n"],"properties":{"n":{"type":"integer"}}}`})
	return nil
}

func (s *suite) iCallWithParams(methodName string, params any) {
	n := s.client("default")
	env := codec.NewMethodCall(methodName, params, false)
	s.reply = s.methods.Dispatch(context.Background(), n, env)
}

func (s *suite) theClientCallsSumWith12() error {
	s.iCallWithParams("sum", map[string]any{"a": float64(1), "b": float64(2)})
	return nil
}

func (s *suite) theClientCallsGreetWithEmptyParams() error {
	s.iCallWithParams("greet", map[string]any{})
	return nil
}

func (s *suite) theClientCallsPingWithANonIntegerN() error {
	s.iCallWithParams("ping", map[string]any{"n": "x"})
	return nil
}

func (s *suite) theResultShouldBe3() error {
	if s.reply.Type != codec.TypeResult || s.reply.Result != float64(3) {
		return fmt.Errorf("got %+v", s.reply)
	}
	return nil
}

func (s *suite) theResultShouldHaveHelloAndWorldTrue() error {
	m, ok := s.reply.Result.(map[string]any)
	if !ok || m["hello"] != true || m["world"] != true {
		return fmt.Errorf("got %+v", s.reply.Result)
	}
	return nil
}

func (s *suite) theReplyShouldBeASchemaValidationErrorWithFieldErrors() error {
	if s.reply.Code != "schema-validation" || len(s.reply.Errors) == 0 {
		return fmt.Errorf("got %+v", s.reply)
	}
	return nil
}

func (s *suite) iRegisterAnInboxEventScopedToTheAuthenticatedUser() error {
	s.events.Add("inbox", event.Options{UserScoped: true})
	return nil
}

func (s *suite) userAuthenticatesAs(name, userID string) error {
	return s.client(name).SetAuthContext(map[string]any{"user.id": userID})
}

func (s *suite) userSubscribesToInboxOnChannel(name, channel string) error {
	n := s.client(name)
	e, _ := s.events.Get("inbox")
	if e.CanSubscribe(n, channel) {
		s.err = nil
	} else {
		s.err = fmt.Errorf("subscription to channel %q rejected for %s", channel, name)
	}
	return nil
}

func (s *suite) theSubscriptionForShouldBeAccepted(name string) error {
	if s.err != nil {
		return s.err
	}
	return nil
}

func (s *suite) theSubscriptionForShouldBeRejected(name string) error {
	if s.err == nil {
		return fmt.Errorf("expected subscription for %s to be rejected", name)
	}
	return nil
}

// InitializeScenario wires every step definition above onto ctx. As in
// buffkit's features package, these steps exist without accompanying
// .feature files; they document the cross-cutting properties spec.md §8
// names and drive method.Registry/event.Registry the same way the
// package-level tests in method/event do (those tests keep their own
// fixtures).
func InitializeScenario(ctx *godog.ScenarioContext) {
	s := newSuite()

	ctx.Before(func(c context.Context, sc *godog.Scenario) (context.Context, error) {
		s = newSuite()
		return c, nil
	})

	ctx.Step(`^I register a sum method$`, s.iRegisterASumMethod)
	ctx.Step(`^the client calls sum with \{a: 1, b: 2\}$`, s.theClientCallsSumWith12)
	ctx.Step(`^the result should be 3$`, s.theResultShouldBe3)

	ctx.Step(`^I register a greet method with two middleware$`, s.iRegisterAGreetMethodWithTwoMiddleware)
	ctx.Step(`^the client calls greet with empty params$`, s.theClientCallsGreetWithEmptyParams)
	ctx.Step(`^the result should have hello and world true$`, s.theResultShouldHaveHelloAndWorldTrue)

	ctx.Step(`^I register a ping method requiring an integer$`, s.iRegisterAPingMethodRequiringAnInteger)
	ctx.Step(`^the client calls ping with a non-integer n$`, s.theClientCallsPingWithANonIntegerN)
	ctx.Step(`^the reply should be a schema-validation error with field errors$`, s.theReplyShouldBeASchemaValidationErrorWithFieldErrors)

	ctx.Step(`^I register an inbox event scoped to the authenticated user$`, s.iRegisterAnInboxEventScopedToTheAuthenticatedUser)
	ctx.Step(`^"([^"]*)" authenticates as user "([^"]*)"$`, s.userAuthenticatesAs)
	ctx.Step(`^"([^"]*)" subscribes to inbox on channel "([^"]*)"$`, s.userSubscribesToInboxOnChannel)
	ctx.Step(`^the subscription for "([^"]*)" should be accepted$`, s.theSubscriptionForShouldBeAccepted)
	ctx.Step(`^the subscription for "([^"]*)" should be rejected$`, s.theSubscriptionForShouldBeRejected)
}
