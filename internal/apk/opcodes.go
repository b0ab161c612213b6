package apk

// opcodeWidth is the size in 16-bit code units of each Dalvik instruction,
// indexed by opcode. Unused opcodes are treated as single-unit instructions.
var opcodeWidth = func() [256]int {
	var w [256]int
	set := func(lo, hi, width int) {
		for op := lo; op <= hi; op++ {
			w[op] = width
		}
	}

	set(0x00, 0xff, 1)

	set(0x02, 0x02, 2) // move/from16
	set(0x03, 0x03, 3) // move/16
	set(0x05, 0x05, 2) // move-wide/from16
	set(0x06, 0x06, 3) // move-wide/16
	set(0x08, 0x08, 2) // move-object/from16
	set(0x09, 0x09, 3) // move-object/16

	set(0x13, 0x13, 2) // const/16
	set(0x14, 0x14, 3) // const
	set(0x15, 0x16, 2) // const/high16, const-wide/16
	set(0x17, 0x17, 3) // const-wide/32
	set(0x18, 0x18, 5) // const-wide
	set(0x19, 0x19, 2) // const-wide/high16
	set(0x1a, 0x1a, 2) // const-string
	set(0x1b, 0x1b, 3) // const-string/jumbo
	set(0x1c, 0x1c, 2) // const-class
	set(0x1f, 0x20, 2) // check-cast, instance-of
	set(0x22, 0x23, 2) // new-instance, new-array
	set(0x24, 0x26, 3) // filled-new-array{,/range}, fill-array-data
	set(0x29, 0x29, 2) // goto/16
	set(0x2a, 0x2c, 3) // goto/32, packed-switch, sparse-switch
	set(0x2d, 0x3d, 2) // cmpkind, if-test, if-testz

	set(0x44, 0x6d, 2) // arrayop, iinstanceop, sstaticop
	set(0x6e, 0x72, 3) // invoke-kind
	set(0x74, 0x78, 3) // invoke-kind/range

	set(0x90, 0xaf, 2) // binop
	set(0xd0, 0xe2, 2) // binop/lit16, binop/lit8

	set(0xfa, 0xfb, 4) // invoke-polymorphic{,/range}
	set(0xfc, 0xfd, 3) // invoke-custom{,/range}
	set(0xfe, 0xff, 2) // const-method-handle, const-method-type
	return w
}()
