// Package main is the operator CLI entry point: thin cobra verbs over
// internal/operational.Manager for deploy, rollback, scale, and incident.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/alert-history/internal/operational"
	"github.com/vitaliisemenov/alert-history/internal/operational/orchestrator"
	"github.com/vitaliisemenov/alert-history/pkg/logger"
	"github.com/vitaliisemenov/alert-history/pkg/metrics"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var namespace string
	var mock bool

	root := &cobra.Command{
		Use:           "operator",
		Short:         "Deploy, roll back, scale, and manage incidents for worker fleet services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&namespace, "namespace", "default", "Kubernetes namespace the orchestrator targets")
	root.PersistentFlags().BoolVar(&mock, "mock", false, "use the in-memory mock orchestrator instead of a live cluster")

	newManager := func() (*operational.Manager, error) {
		var orch orchestrator.ServiceOrchestrator
		if mock {
			orch = orchestrator.NewMockOrchestrator()
		} else {
			k8sOrch, err := orchestrator.NewK8sOrchestrator(orchestrator.DefaultK8sConfig(namespace))
			if err != nil {
				return nil, fmt.Errorf("connecting to cluster: %w", err)
			}
			orch = k8sOrch
		}
		log := logger.New(logger.Config{Level: "info", Format: "json", Output: "stderr"})
		return operational.New(orch, log, metrics.DefaultRegistry().Operational()), nil
	}

	root.AddCommand(newDeployCmd(newManager))
	root.AddCommand(newRollbackCmd(newManager))
	root.AddCommand(newScaleCmd(newManager))
	root.AddCommand(newIncidentCmd(newManager))

	return root
}

func newDeployCmd(newManager func() (*operational.Manager, error)) *cobra.Command {
	var image string
	var replicas int32
	var envVars []string
	var rollbackEnabled bool
	var minRunningTasks int

	cmd := &cobra.Command{
		Use:   "deploy <service-name>",
		Short: "Roll out a new image for a service, rolling back on health-check failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}

			result, err := mgr.Deploy(cmd.Context(), operational.DeploymentConfig{
				ServiceName:          args[0],
				ImageTag:             image,
				Replicas:             replicas,
				EnvironmentVariables: parseEnvPairs(envVars),
				RollbackEnabled:      rollbackEnabled,
				HealthCheckConfig:    operational.HealthCheckConfig{MinRunningTasks: minRunningTasks},
			})
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "container image tag to deploy")
	cmd.Flags().Int32Var(&replicas, "replicas", 1, "desired replica count")
	cmd.Flags().StringArrayVar(&envVars, "env", nil, "environment variable KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&rollbackEnabled, "rollback-enabled", true, "roll back automatically on health-check failure")
	cmd.Flags().IntVar(&minRunningTasks, "min-running-tasks", 0, "running tasks the rollout wait requires (defaults to replicas); health validation still requires the replica count")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func newRollbackCmd(newManager func() (*operational.Manager, error)) *cobra.Command {
	var targetImage string
	var envVars []string

	cmd := &cobra.Command{
		Use:   "rollback <service-name>",
		Short: "Restore a service to a prior image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}

			result, err := mgr.Rollback(cmd.Context(), args[0], targetImage, parseEnvPairs(envVars))
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}
	cmd.Flags().StringVar(&targetImage, "image", "", "image tag to restore")
	cmd.Flags().StringArrayVar(&envVars, "env", nil, "environment variable KEY=VALUE (repeatable)")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func newScaleCmd(newManager func() (*operational.Manager, error)) *cobra.Command {
	var minReplicas, maxReplicas, stepUp, stepDown int32
	var scaleUpThreshold, scaleDownThreshold float64
	var cooldown time.Duration

	cmd := &cobra.Command{
		Use:   "scale <service-name>",
		Short: "Evaluate and apply one reactive scaling decision for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}

			decision, err := mgr.Scale(cmd.Context(), operational.ScalingPolicy{
				ServiceName:        args[0],
				MinReplicas:        minReplicas,
				MaxReplicas:        maxReplicas,
				ScaleUpThreshold:   scaleUpThreshold,
				ScaleDownThreshold: scaleDownThreshold,
				StepUp:             stepUp,
				StepDown:           stepDown,
				Cooldown:           cooldown,
			})
			if err != nil {
				return err
			}
			return printResult(cmd, decision)
		},
	}
	cmd.Flags().Int32Var(&minReplicas, "min-replicas", 1, "floor replica count")
	cmd.Flags().Int32Var(&maxReplicas, "max-replicas", 10, "ceiling replica count")
	cmd.Flags().Float64Var(&scaleUpThreshold, "scale-up-threshold", 0.8, "scale up when CPU or memory utilization exceeds this fraction")
	cmd.Flags().Float64Var(&scaleDownThreshold, "scale-down-threshold", 0.2, "scale down when CPU and memory utilization fall below this fraction")
	cmd.Flags().Int32Var(&stepUp, "step-up", 1, "replicas added per scale-up decision")
	cmd.Flags().Int32Var(&stepDown, "step-down", 1, "replicas removed per scale-down decision")
	cmd.Flags().DurationVar(&cooldown, "cooldown", time.Minute, "minimum time between successive scaling actions")

	return cmd
}

func newIncidentCmd(newManager func() (*operational.Manager, error)) *cobra.Command {
	var incidentID, severity, description string

	cmd := &cobra.Command{
		Use:   "incident <service-name>",
		Short: "Report and drive an incident through the response state machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}

			incident, err := mgr.HandleIncident(cmd.Context(), incidentID, args[0], operational.IncidentSeverity(severity), description)
			if err != nil {
				return err
			}
			return printResult(cmd, incident)
		},
	}
	cmd.Flags().StringVar(&incidentID, "id", "", "incident id; a new one is generated when empty")
	cmd.Flags().StringVar(&severity, "severity", string(operational.SeverityMedium), "incident severity: low|medium|high|critical")
	cmd.Flags().StringVar(&description, "description", "", "free-text incident description, used for keyword classification")
	_ = cmd.MarkFlagRequired("description")

	return cmd
}

func parseEnvPairs(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, found := strings.Cut(p, "=")
		if !found {
			continue
		}
		out[k] = v
	}
	return out
}

func printResult(cmd *cobra.Command, result interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
