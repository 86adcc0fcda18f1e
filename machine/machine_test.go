package machine

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/shiba/kernel"
	"github.com/sarchlab/shiba/mem"
)

var _ = Describe("Machine", func() {
	var (
		mockCtrl *gomock.Controller
		machine  *Machine
		comp     *MockComponent
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		machine = MakeBuilder().WithoutMonitoring().Build()

		comp = NewMockComponent(mockCtrl)
		comp.EXPECT().Name().Return("comp").AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()

		machine.Terminate()

		os.Remove("shiba_run_" + machine.ID() + ".sqlite3")
	})

	It("should build a recorded kernel", func() {
		Expect(machine.Kernel()).ToNot(BeNil())
		Expect(machine.Kernel().DataRecorder()).
			To(BeIdenticalTo(machine.DataRecorder()))
		Expect(machine.VisTracer()).ToNot(BeNil())
		Expect(machine.Monitor()).To(BeNil())
	})

	It("should pass the kernel builder through", func() {
		kb := kernel.MakeBuilder().
			WithName("K1").
			WithMemorySize(16 * mem.MB)
		m2 := MakeBuilder().
			WithoutMonitoring().
			WithKernelBuilder(kb).
			Build()
		defer func() {
			m2.Terminate()
			os.Remove("shiba_run_" + m2.ID() + ".sqlite3")
		}()

		Expect(m2.Kernel().Name()).To(Equal("K1"))
		Expect(m2.Kernel().Phys().Capacity()).To(Equal(16 * mem.MB))
	})

	It("should register a component", func() {
		machine.RegisterComponent(comp)

		Expect(machine.GetComponentByName("comp")).To(Equal(comp))
		Expect(machine.Components()).To(HaveLen(1))
	})

	It("should reject duplicate component names", func() {
		machine.RegisterComponent(comp)

		Expect(func() {
			machine.RegisterComponent(comp)
		}).To(Panic())
	})

	It("should panic when a monitor port is set without monitoring", func() {
		Expect(func() {
			MakeBuilder().
				WithoutMonitoring().
				WithMonitorPort(8080).
				Build()
		}).To(Panic())
	})

	Context("Builder with custom output file", func() {
		var customMachine *Machine

		AfterEach(func() {
			if customMachine != nil {
				customMachine.Terminate()
				os.Remove("test_custom_output.sqlite3")
				customMachine = nil
			}
		})

		It("should allow custom output file to be set", func() {
			builder := MakeBuilder().
				WithoutMonitoring().
				WithOutputFileName("test_custom_output")
			customMachine = builder.Build()

			Expect(customMachine).ToNot(BeNil())
			Expect(customMachine.DataRecorder()).ToNot(BeNil())
		})
	})
})
