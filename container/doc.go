// Package container is devhost's client for the container engine.
//
// It is the only package that speaks the engine's API. Everything it
// creates carries the devhost.managed=true label, plus devhost.project-id
// and devhost.container-type; containers without the managed label are
// never listed, stopped or removed.
//
// # Network
//
// All project containers join one bridge network (devhost-net,
// 172.28.0.0/16 by default). Initialize creates it when missing and
// validates driver and subnet when present.
//
// # Idempotency
//
// Starting a running container, stopping a stopped one and removing a
// missing one all succeed. Stop gives the container a grace period and
// leaves the kill escalation to the engine.
//
// # Example
//
//	eng, err := container.New(container.WithNetwork("devhost-net", "172.28.0.0/16"))
//	if err != nil {
//	    return err
//	}
//	if err := eng.Initialize(ctx, nil); err != nil {
//	    return err
//	}
//	h, err := eng.CreateContainer(ctx, container.Spec{
//	    ProjectID: "p1",
//	    Type:      stack.Node,
//	    Workspace: "/home/me/app",
//	    Port:      3000,
//	})
package container
