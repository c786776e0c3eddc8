package plugin

import (
	"encoding/gob"
	"errors"
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Handshake is used to verify that the module process and host are compatible
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "WALLETAGENT_PLUGIN",
	MagicCookieValue: "walletagent-module-v1",
}

// moduleKey is the name modules are dispensed under
const moduleKey = "module"

// PluginMap is the map of plugins we can dispense
var PluginMap = map[string]plugin.Plugin{
	moduleKey: &ModuleRPCPlugin{},
}

func init() {
	// tool args and results travel as interface values
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// ModuleDescription is what an out-of-process module exports.
type ModuleDescription struct {
	Factories []string
	// Secrets maps an export name from SecretExportNames to its declarations.
	Secrets map[string][]SecretDeclaration
}

// InstanceDescription describes an instance constructed inside a module process.
type InstanceDescription struct {
	ID      string
	Name    string
	Version string
	Tools   []ToolDescriptor
}

// RemoteModule is implemented by module processes.
type RemoteModule interface {
	Describe() (ModuleDescription, error)
	Construct(factory string, config map[string]any) (InstanceDescription, error)
	Execute(instanceID, tool string, args map[string]any) (any, error)
}

// ModuleRPCPlugin is the implementation of plugin.Plugin for RPC
type ModuleRPCPlugin struct {
	Impl RemoteModule
}

func (p *ModuleRPCPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &ModuleRPCServer{Impl: p.Impl}, nil
}

func (p *ModuleRPCPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &ModuleRPCClient{client: c}, nil
}

// ServeModule runs impl as a module process. It is called from a module's main.
func ServeModule(impl RemoteModule) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]plugin.Plugin{moduleKey: &ModuleRPCPlugin{Impl: impl}},
	})
}

// ModuleRPCServer is the RPC server that ModuleRPCClient talks to.
// Errors cross the wire as strings since gob cannot encode arbitrary error values.
type ModuleRPCServer struct {
	Impl RemoteModule
}

// DescribeResp is the response for Describe RPC call
type DescribeResp struct {
	Description ModuleDescription
	Error       string
}

func (s *ModuleRPCServer) Describe(args interface{}, resp *DescribeResp) error {
	desc, err := s.Impl.Describe()
	resp.Description = desc
	resp.Error = errString(err)
	return nil
}

// ConstructArgs are the arguments for Construct RPC call
type ConstructArgs struct {
	Factory string
	Config  map[string]any
}

// ConstructResp is the response for Construct RPC call
type ConstructResp struct {
	Instance InstanceDescription
	Error    string
}

func (s *ModuleRPCServer) Construct(args *ConstructArgs, resp *ConstructResp) error {
	inst, err := s.Impl.Construct(args.Factory, args.Config)
	resp.Instance = inst
	resp.Error = errString(err)
	return nil
}

// ExecuteArgs are the arguments for Execute RPC call
type ExecuteArgs struct {
	InstanceID string
	Tool       string
	Args       map[string]any
}

// ExecuteResp is the response for Execute RPC call
type ExecuteResp struct {
	Result any
	Error  string
}

func (s *ModuleRPCServer) Execute(args *ExecuteArgs, resp *ExecuteResp) error {
	result, err := s.Impl.Execute(args.InstanceID, args.Tool, args.Args)
	resp.Result = result
	resp.Error = errString(err)
	return nil
}

// ModuleRPCClient is the RPC client that talks to ModuleRPCServer
type ModuleRPCClient struct {
	client *rpc.Client
}

func (c *ModuleRPCClient) Describe() (ModuleDescription, error) {
	var resp DescribeResp
	if err := c.client.Call("Plugin.Describe", new(interface{}), &resp); err != nil {
		return ModuleDescription{}, err
	}
	return resp.Description, stringErr(resp.Error)
}

func (c *ModuleRPCClient) Construct(factory string, config map[string]any) (InstanceDescription, error) {
	var resp ConstructResp
	if err := c.client.Call("Plugin.Construct", &ConstructArgs{Factory: factory, Config: config}, &resp); err != nil {
		return InstanceDescription{}, err
	}
	return resp.Instance, stringErr(resp.Error)
}

func (c *ModuleRPCClient) Execute(instanceID, tool string, args map[string]any) (any, error) {
	var resp ExecuteResp
	if err := c.client.Call("Plugin.Execute", &ExecuteArgs{InstanceID: instanceID, Tool: tool, Args: args}, &resp); err != nil {
		return nil, err
	}
	if err := stringErr(resp.Error); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func stringErr(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}
